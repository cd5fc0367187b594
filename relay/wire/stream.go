package wire

import (
	"context"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/logger"
)

// ErrStreamTimeout is returned when no frame arrives within the configured
// stream response window.
var ErrStreamTimeout = errors.New("stream response timeout")

// attachmentTooLargeMessage replaces raw 413 upstream errors with something a
// client can act on.
const attachmentTooLargeMessage = "Upload failed: the attachment exceeds the upstream size limit (usually around 5MB). Compress the file or upload a smaller one."

// Sink receives parsed events in arrival order. A non-nil error aborts the
// run; Run calls Cancel and returns that error.
type Sink func(ev Event) error

// RunOptions wires one response-channel consumption run.
type RunOptions struct {
	RequestID string
	Frames    <-chan any

	// Timeout is the maximum wait between frames. Zero means the default
	// stream response timeout.
	Timeout time.Duration

	// OnChallenge handles a human-verification page and returns the
	// client-facing message, which Run emits as the terminal error event.
	OnChallenge func() string

	// OnRetryInfo receives user-script retry notifications. May be nil.
	OnRetryInfo func(info map[string]any)

	// Cancel tells the producing tab to abandon the request. Run calls it
	// when the consumer stops before a terminal frame.
	Cancel func()
}

// Run consumes raw frames for one request, feeds them through the wire
// parser, and emits events into sink until a terminal condition: [DONE]
// (followed by a short drain window and a forced buffer drain), an error
// frame, a parsed error event, a timeout, or context cancellation.
func Run(ctx context.Context, opts RunOptions, sink Sink) error {
	p := NewParser()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 360 * time.Second
	}

	emit := func(events []Event) (bool, error) {
		for _, ev := range events {
			if err := sink(ev); err != nil {
				return false, err
			}
			if ev.Kind == EventError {
				return true, nil
			}
		}
		return false, nil
	}

	cancel := func() {
		if opts.Cancel != nil {
			opts.Cancel()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Logger.Info("client went away, cancelling tab request",
				zap.String("request_id", opts.RequestID))
			cancel()
			return ctx.Err()

		case <-timer.C:
			logger.Logger.Warn("stream response timeout",
				zap.String("request_id", opts.RequestID),
				zap.Duration("timeout", timeout))
			cancel()
			return errors.WithStack(ErrStreamTimeout)

		case frame, ok := <-opts.Frames:
			if !ok {
				cancel()
				return errors.New("response channel closed before terminal frame")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)

			switch data := frame.(type) {
			case map[string]any:
				if info, has := data["retry_info"]; has {
					if m, isMap := info.(map[string]any); isMap && opts.OnRetryInfo != nil {
						opts.OnRetryInfo(m)
					}
					continue
				}
				if rawErr, has := data["error"]; has {
					return sink(Event{Kind: EventError, Text: classifyFrameError(rawErr, opts.OnChallenge)})
				}
				logger.Logger.Debug("unrecognized control frame dropped",
					zap.String("request_id", opts.RequestID))

			case string:
				if data == "[DONE]" {
					drainExtraFrames(opts.Frames, p)
					terminal, err := emit(p.FinalDrain())
					if err != nil || terminal {
						return err
					}
					return nil
				}

				events, verification := p.Feed(data)
				if verification {
					msg := "Human verification detected."
					if opts.OnChallenge != nil {
						msg = opts.OnChallenge()
					}
					cancel()
					return sink(Event{Kind: EventError, Text: msg})
				}
				terminal, err := emit(events)
				if err != nil {
					cancel()
					return err
				}
				if terminal {
					return nil
				}
			}
		}
	}
}

// drainExtraFrames waits a short window after [DONE] for frames that crossed
// the terminal boundary and feeds them into the parser buffer.
func drainExtraFrames(frames <-chan any, p *Parser) {
	window := time.NewTimer(config.StreamDrainWindow)
	defer window.Stop()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if s, isStr := frame.(string); isStr && s != "[DONE]" {
				p.Append(s)
			}
		case <-window.C:
			return
		}
	}
}

// classifyFrameError maps a raw error value from the user script onto a
// client-facing message. Oversized-attachment failures and verification
// pages get dedicated handling.
func classifyFrameError(raw any, onChallenge func() string) string {
	msg, isStr := raw.(string)
	if !isStr {
		return "Unknown browser error"
	}
	if strings.Contains(msg, "413") || strings.Contains(strings.ToLower(msg), "too large") {
		return attachmentTooLargeMessage
	}
	if ContainsChallenge(msg) {
		if onChallenge != nil {
			return onChallenge()
		}
		return "Human verification detected."
	}
	return msg
}
