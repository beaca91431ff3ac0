// Package commlog reads the contact log written by the comms front end.
// The engine consults it for three facts: which transfer protocol carried
// each fragment, the expected and received byte counts the protocol
// reported, and the fragment size each dive declared via $N_FILEKB.
package commlog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gliderbase/gliderbase/log"
)

var commLog = log.GetLogger("commlog")

// Method is the transfer protocol observed for a fragment.
type Method string

const (
	MethodRaw     Method = "raw"
	MethodXModem  Method = "xmodem"
	MethodYModem  Method = "ymodem"
	MethodUnknown Method = "unknown"
)

// DefaultFragmentSize is assumed when no session declared one.
const DefaultFragmentSize = 8192

// SizeReport carries the per-fragment sizes reported by the protocol.
// Known is false when the contact log never mentioned the fragment.
type SizeReport struct {
	Expected int64
	Received int64
	Known    bool
}

type fileStats struct {
	expected int64
	received int64
}

// Log is the parsed contact log.
type Log struct {
	methods   map[string]Method
	stats     map[string]fileStats
	fragSizes map[int]int64
	lastFrag  int64
}

// Empty returns a log with no recorded sessions; every query degrades to
// its unknown answer.
func Empty() *Log {
	return &Log{
		methods:   make(map[string]Method),
		stats:     make(map[string]fileStats),
		fragSizes: make(map[int]int64),
	}
}

// Parse reads the contact log at path. A missing file is not an error;
// the engine must run on directories that predate comm logging.
func Parse(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			commLog.Infof("no contact log at %s", path)
			return Empty(), nil
		}
		return nil, fmt.Errorf("open contact log: %w", err)
	}
	defer f.Close()

	l := Empty()
	currentDive := -1

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// Parameter echoes: $DIVE,<n> binds the session to a dive;
		// $N_FILEKB,<kb> declares the fragment size for it.
		if strings.HasPrefix(line, "$DIVE,") {
			if n, err := strconv.Atoi(strings.TrimPrefix(line, "$DIVE,")); err == nil {
				currentDive = n
			}
			continue
		}
		if strings.HasPrefix(line, "$N_FILEKB,") {
			if kb, err := strconv.Atoi(strings.TrimPrefix(line, "$N_FILEKB,")); err == nil && kb > 0 {
				l.lastFrag = int64(kb) * 1024
				if currentDive >= 0 {
					l.fragSizes[currentDive] = l.lastFrag
				}
			}
			continue
		}

		fields := strings.Fields(line)
		for i, tok := range fields {
			// Protocol markers appear as <name>/XMODEM or <name>/YMODEM;
			// raw transfers log "Raw send of <name>".
			if name, ok := strings.CutSuffix(tok, "/XMODEM"); ok {
				l.methods[name] = MethodXModem
			} else if name, ok := strings.CutSuffix(tok, "/YMODEM"); ok {
				l.methods[name] = MethodYModem
			} else if tok == "Raw" && i+2 < len(fields) && fields[i+1] == "send" && fields[i+2] == "of" && i+3 < len(fields) {
				l.methods[fields[i+3]] = MethodRaw
			}
		}

		l.parseReceived(fields)
		l.parseExpected(fields)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read contact log: %w", err)
	}

	return l, nil
}

// "Received 386 bytes of sg0003lz.x03 (366.2 Bps)" or
// "Received sg0003lz.x03 386 bytes"
func (l *Log) parseReceived(fields []string) {
	for i, tok := range fields {
		if tok != "Received" {
			continue
		}
		if i+3 < len(fields) && fields[i+2] == "bytes" && fields[i+3] == "of" && i+4 < len(fields) {
			if n, err := strconv.ParseInt(fields[i+1], 10, 64); err == nil {
				l.setReceived(fields[i+4], n)
			}
			return
		}
		if i+3 < len(fields) && fields[i+3] == "bytes" {
			if n, err := strconv.ParseInt(fields[i+2], 10, 64); err == nil {
				l.setReceived(fields[i+1], n)
			}
			return
		}
	}
}

// "Expecting 4096 bytes of sg0003lz.x03"
func (l *Log) parseExpected(fields []string) {
	for i, tok := range fields {
		if tok != "Expecting" {
			continue
		}
		if i+3 < len(fields) && fields[i+2] == "bytes" && fields[i+3] == "of" && i+4 < len(fields) {
			if n, err := strconv.ParseInt(fields[i+1], 10, 64); err == nil {
				st := l.stats[fields[i+4]]
				st.expected = n
				l.stats[fields[i+4]] = st
			}
			return
		}
	}
}

func (l *Log) setReceived(name string, n int64) {
	st, ok := l.stats[name]
	if !ok {
		st = fileStats{expected: -1}
	}
	st.received = n
	l.stats[name] = st
}

// TransferMethod reports the protocol the named fragment arrived by.
func (l *Log) TransferMethod(fragment string) Method {
	if m, ok := l.methods[fragment]; ok {
		return m
	}
	return MethodUnknown
}

// FragmentSizes reports the expected and received sizes for one fragment.
// When the log never declared an expected size, the session fragment size
// (or the 8 KB default) stands in.
func (l *Log) FragmentSizes(fragment string) SizeReport {
	st, ok := l.stats[fragment]
	if !ok {
		return SizeReport{Expected: l.fallbackFragSize(), Received: -1}
	}
	expected := st.expected
	if expected <= 0 {
		expected = l.fallbackFragSize()
	}
	return SizeReport{Expected: expected, Received: st.received, Known: true}
}

// FragmentSize returns the fragment size declared for a dive, or 0 when
// the contact log never declared one.
func (l *Log) FragmentSize(dive int) int64 {
	return l.fragSizes[dive]
}

// LastFragmentSize returns the most recently declared fragment size
// across all sessions, or 0.
func (l *Log) LastFragmentSize() int64 { return l.lastFrag }

func (l *Log) fallbackFragSize() int64 {
	if l.lastFrag > 0 {
		return l.lastFrag
	}
	return DefaultFragmentSize
}
