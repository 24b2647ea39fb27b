// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := &mock.Session{ResultsCh: make(chan types.Transcript, 4)}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/loqui-ai/loqui/pkg/provider/stt"
	"github.com/loqui-ai/loqui/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new default Session with a buffered Results channel.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{ResultsCh: make(chan types.Transcript, 16)}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// Session is a mock implementation of stt.SessionHandle.
// Callers should pre-populate ResultsCh with the Transcript values they want
// the consumer to receive, then close it when done. If CloseClosesResults is
// set, Close closes ResultsCh instead.
type Session struct {
	mu sync.Mutex

	// ResultsCh is the channel returned by Results(). Callers own this channel
	// and are responsible for sending to and closing it in tests.
	ResultsCh chan types.Transcript

	// CloseClosesResults makes the first Close call close ResultsCh, matching
	// real session behaviour.
	CloseClosesResults bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// Results returns ResultsCh. The caller must have initialised ResultsCh before
// calling this method.
func (s *Session) Results() <-chan types.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ResultsCh
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.CloseClosesResults && s.CloseCallCount == 1 {
		close(s.ResultsCh)
	}
	return s.CloseErr
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.CloseCallCount = 0
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
