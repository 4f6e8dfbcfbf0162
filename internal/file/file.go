// Package file plays scripts of messages to a dispatch server, for
// exercising subscribers with a repeatable sequence of events.
//
// Each line of a script is one of
//
//	# comment, not echoed
//	#+ comment, echoed to the output
//	[delay]                          waits
//	[delay] channel [priority] json  waits, then publishes
//	channel [priority] json          publishes immediately
//
// Delays are a number of seconds, or a Go duration such as 1m30s.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/practable/dispatch/internal/queue"
	log "github.com/sirupsen/logrus"
)

// Comment is a line starting with #
type Comment struct {
	Msg  string
	Echo bool
}

// Error represents a line that could not be parsed
type Error struct {
	Line   int
	Reason string
}

func (e Error) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// Wait pauses the script
type Wait struct {
	Delay time.Duration
}

// Send publishes Message on Channel after Delay
type Send struct {
	Delay    time.Duration
	Channel  string
	Priority queue.Priority
	Message  json.RawMessage
}

// Publisher queues a message on a server
type Publisher interface {
	Publish(ctx context.Context, channel string, priority queue.Priority, message json.RawMessage) error
}

// ParseLine parses a line and returns a struct representing it:
// Comment, Wait, Send or Error. Blank lines return nil.
func ParseLine(line string) any {

	if strings.TrimSpace(line) == "" {
		return nil
	}

	if mre.MatchString(line) {
		m := mre.FindStringSubmatch(line)
		return Comment{
			Msg:  m[2],
			Echo: m[1] == "+",
		}
	}

	var delay time.Duration
	rest := line

	if dre.MatchString(line) {

		d := dre.FindStringSubmatch(line)

		var err error

		delay, err = parseDelay(d[1])
		if err != nil {
			return Error{Reason: fmt.Sprintf("unknown delay time format: %s", line)}
		}

		rest = d[2]

		if strings.TrimSpace(rest) == "" {
			return Wait{Delay: delay}
		}
	}

	sm := sre.FindStringSubmatch(rest)
	if sm == nil {
		return Error{Reason: fmt.Sprintf("expected channel and message: %s", line)}
	}

	priority, err := queue.ParsePriority(sm[2])
	if err != nil {
		return Error{Reason: err.Error()}
	}

	if !json.Valid([]byte(sm[3])) {
		return Error{Reason: fmt.Sprintf("message is not valid JSON: %s", sm[3])}
	}

	return Send{
		Delay:    delay,
		Channel:  sm[1],
		Priority: priority,
		Message:  json.RawMessage(sm[3]),
	}
}

// parseDelay accepts a bare number of seconds, or a duration
func parseDelay(s string) (time.Duration, error) {

	if s == "" {
		return 0, nil
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}

	return time.ParseDuration(s)
}

// Parse reads a script, returning its lines. All parse errors are
// reported together, joined.
func Parse(in io.Reader) ([]any, error) {

	var lines []any
	var errs []error

	scanner := bufio.NewScanner(in)

	n := 0

	for scanner.Scan() {

		n++

		line := ParseLine(scanner.Text())

		switch l := line.(type) {
		case nil:
			continue
		case Error:
			l.Line = n
			errs = append(errs, l)
			continue
		}

		lines = append(lines, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return lines, errors.Join(errs...)
}

// LoadFile reads a script from filename
func LoadFile(filename string) ([]any, error) {

	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	return Parse(f)
}

// Play publishes each Send in turn, after its delay, writing echoed
// comments to w. It stops at the first publish error or when ctx is done.
func Play(ctx context.Context, clock clockwork.Clock, lines []any, p Publisher, w io.Writer) error {

	sent := 0

	for _, line := range lines {

		switch l := line.(type) {

		case Comment:
			if l.Echo {
				fmt.Fprintln(w, l.Msg)
			}

		case Wait:
			if err := sleep(ctx, clock, l.Delay); err != nil {
				return err
			}

		case Send:
			if err := sleep(ctx, clock, l.Delay); err != nil {
				return err
			}

			if err := p.Publish(ctx, l.Channel, l.Priority, l.Message); err != nil {
				return fmt.Errorf("publishing to %s: %w", l.Channel, err)
			}

			sent++

			log.WithFields(log.Fields{"channel": l.Channel, "priority": l.Priority.String(), "size": len(l.Message)}).Debug("played message")
		}
	}

	log.WithField("sent", sent).Info("finished playing")

	return nil
}

func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {

	if d <= 0 {
		return ctx.Err()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
