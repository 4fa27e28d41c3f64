// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// closeTimeout bounds how long Close waits for Deepgram to flush the
	// final results after CloseStream.
	closeTimeout = 5 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint overrides the streaming endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   deepgramEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
// It respects cfg.SampleRate, cfg.Channels, cfg.Language, cfg.Keywords, and
// cfg.Diarize. A refused connection, a rate limit, or a server error is
// reported as transient.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		err = fmt.Errorf("deepgram: dial: %w", err)
		if ctx.Err() != nil {
			return nil, err
		}
		if resp == nil || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, stt.Transient(err)
		}
		return nil, err
	}
	// Results can be large with word timings.
	conn.SetReadLimit(1 << 20)

	sess := &session{
		conn:       conn,
		results:    make(chan stt.Transcript, 64),
		done:       make(chan struct{}),
		abort:      make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go sess.readLoop()

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.Diarize {
		q.Set("diarize", "true")
	}

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "Kubernetes:5")
		val := fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost)
		q.Add("keywords", val)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word           string  `json:"word"`
				PunctuatedWord string  `json:"punctuated_word"`
				Start          float64 `json:"start"`
				End            float64 `json:"end"`
				Confidence     float64 `json:"confidence"`
				Speaker        *int    `json:"speaker"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn    *websocket.Conn
	results chan stt.Transcript

	done       chan struct{} // closed by Close or Abort
	abort      chan struct{} // closed by Abort
	readerDone chan struct{} // closed when readLoop exits
	doneOnce   sync.Once
	closeOnce  sync.Once
	abortOnce  sync.Once

	mu  sync.Mutex
	err error
}

// SendAudio writes a PCM chunk to Deepgram as a binary message.
func (s *session) SendAudio(ctx context.Context, chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	case <-s.readerDone:
		if err := s.Err(); err != nil {
			return err
		}
		return stt.ErrSessionClosed
	default:
	}
	if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("deepgram: send audio: %w", err)
	}
	return nil
}

// Results returns the ordered channel of interim and final transcripts.
func (s *session) Results() <-chan stt.Transcript { return s.results }

// Err returns the error that ended the session, or nil.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close asks Deepgram to flush, waits for the remaining results, and closes
// the connection.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.markDone()
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		select {
		case <-s.readerDone:
			_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		case <-s.abort:
			<-s.readerDone
		case <-ctx.Done():
			_ = s.Abort()
		}
	})
	return nil
}

// Abort drops the connection without asking Deepgram to flush.
func (s *session) Abort() error {
	s.markDone()
	s.abortOnce.Do(func() {
		close(s.abort)
		_ = s.conn.CloseNow()
	})
	<-s.readerDone
	return nil
}

func (s *session) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// readLoop receives JSON messages from Deepgram and forwards results in
// arrival order.
func (s *session) readLoop() {
	defer close(s.readerDone)
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(context.Background())
		if err != nil {
			s.finish(err)
			return
		}

		t, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		select {
		case s.results <- t:
		case <-s.abort:
			return
		}
	}
}

// finish records why the read side ended. A close after CloseStream is a
// clean end.
func (s *session) finish(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return
	}
	s.mu.Lock()
	s.err = fmt.Errorf("deepgram: connection lost: %w", err)
	s.mu.Unlock()
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message into a Transcript.
// Returns (Transcript, true) on success, or (zero, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (stt.Transcript, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false
	}
	if resp.Type != "Results" {
		return stt.Transcript{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return stt.Transcript{}, false
	}
	words := make([]stt.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		word := w.PunctuatedWord
		if word == "" {
			word = w.Word
		}
		var speaker string
		if w.Speaker != nil {
			speaker = speakerLabel(*w.Speaker)
		}
		words = append(words, stt.WordDetail{
			Word:       word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
			Speaker:    speaker,
		})
	}

	t := stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Words:      words,
		Start:      seconds(resp.Start),
		End:        seconds(resp.Start + resp.Duration),
	}
	if len(words) > 0 {
		t.SpeakerID = words[0].Speaker
	}
	return t, true
}

func speakerLabel(n int) string { return "speaker_" + strconv.Itoa(n) }

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
