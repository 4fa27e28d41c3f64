package bridge_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/meetscribe/internal/bridge"
	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
	"github.com/MrWong99/meetscribe/pkg/provider/stt/batch"
	sttmock "github.com/MrWong99/meetscribe/pkg/provider/stt/mock"
)

// ─── Queue ───────────────────────────────────────────────────────────────────

func TestQueue_FIFOWithSequenceNumbers(t *testing.T) {
	t.Parallel()
	q := bridge.NewQueue(4, bridge.PolicyBlock, time.Second)
	ctx := context.Background()

	for i := range 3 {
		c, err := q.Push(ctx, []byte{byte(i)})
		if err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
		if c.Seq != uint64(i+1) {
			t.Errorf("Seq = %d, want %d", c.Seq, i+1)
		}
	}
	q.Close()

	for i := range 3 {
		c, ok := q.Pop(ctx)
		if !ok {
			t.Fatalf("Pop %d: queue reported empty", i)
		}
		if c.Data[0] != byte(i) || c.Seq != uint64(i+1) {
			t.Errorf("Pop %d = (seq %d, %v), want (seq %d, [%d])", i, c.Seq, c.Data, i+1, i)
		}
	}
	if _, ok := q.Pop(ctx); ok {
		t.Error("Pop on closed, drained queue returned ok")
	}
	if _, err := q.Push(ctx, []byte{9}); !errors.Is(err, bridge.ErrQueueClosed) {
		t.Errorf("Push after Close = %v, want ErrQueueClosed", err)
	}
}

// A producer pushing past capacity under the blocking policy waits for the
// consumer instead of growing the queue or dropping data.
func TestQueue_BlockingPolicyHoldsProducer(t *testing.T) {
	t.Parallel()
	const capacity, total = 2, 10
	q := bridge.NewQueue(capacity, bridge.PolicyBlock, 0)
	ctx := context.Background()

	pushed := make(chan uint64, total)
	go func() {
		for i := range total {
			c, err := q.Push(ctx, []byte{byte(i)})
			if err != nil {
				t.Errorf("Push %d: %v", i, err)
				return
			}
			pushed <- c.Seq
		}
		q.Close()
	}()

	// The producer fills the queue and then blocks.
	for range capacity {
		<-pushed
	}
	select {
	case seq := <-pushed:
		t.Fatalf("push %d returned while the queue was full", seq)
	case <-time.After(50 * time.Millisecond):
	}

	var got []byte
	for {
		if n := q.Len(); n > capacity {
			t.Fatalf("Len = %d exceeds capacity %d", n, capacity)
		}
		c, ok := q.Pop(ctx)
		if !ok {
			break
		}
		got = append(got, c.Data[0])
		time.Sleep(time.Millisecond)
	}

	want := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if !slices.Equal(got, want) {
		t.Errorf("popped %v, want %v", got, want)
	}
	if q.Dropped() != 0 {
		t.Errorf("Dropped = %d, want 0", q.Dropped())
	}
}

func TestQueue_BlockTimeout(t *testing.T) {
	t.Parallel()
	q := bridge.NewQueue(1, bridge.PolicyBlock, 20*time.Millisecond)
	ctx := context.Background()

	if _, err := q.Push(ctx, []byte{1}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	start := time.Now()
	_, err := q.Push(ctx, []byte{2})
	if !errors.Is(err, bridge.ErrBackpressure) {
		t.Fatalf("Push on full queue = %v, want ErrBackpressure", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Push gave up before the block timeout")
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestQueue_BlockHonoursContext(t *testing.T) {
	t.Parallel()
	q := bridge.NewQueue(1, bridge.PolicyBlock, 0)
	ctx, cancel := context.WithCancel(context.Background())

	_, _ = q.Push(ctx, []byte{1})
	time.AfterFunc(10*time.Millisecond, cancel)
	if _, err := q.Push(ctx, []byte{2}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Push = %v, want context.Canceled", err)
	}
}

func TestQueue_DropOldest(t *testing.T) {
	t.Parallel()
	q := bridge.NewQueue(2, bridge.PolicyDropOldest, 0)
	ctx := context.Background()

	for i := range 5 {
		if _, err := q.Push(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
		if q.Len() > q.Cap() {
			t.Fatalf("Len %d exceeds Cap %d", q.Len(), q.Cap())
		}
	}
	if q.Dropped() != 3 {
		t.Errorf("Dropped = %d, want 3", q.Dropped())
	}
	q.Close()

	var seqs []uint64
	for {
		c, ok := q.Pop(ctx)
		if !ok {
			break
		}
		seqs = append(seqs, c.Seq)
	}
	if !slices.Equal(seqs, []uint64{4, 5}) {
		t.Errorf("remaining seqs = %v, want [4 5]", seqs)
	}
}

func TestPolicy_String(t *testing.T) {
	t.Parallel()
	for _, p := range []bridge.Policy{bridge.PolicyBlock, bridge.PolicyDropOldest} {
		got, err := bridge.ParsePolicy(p.String())
		if err != nil || got != p {
			t.Errorf("ParsePolicy(%q) = (%v, %v), want %v", p.String(), got, err, p)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    bridge.Policy
		wantErr bool
	}{
		{"", bridge.PolicyBlock, false},
		{"block", bridge.PolicyBlock, false},
		{"drop_oldest", bridge.PolicyDropOldest, false},
		{"drop_newest", 0, true},
	}
	for _, tt := range tests {
		got, err := bridge.ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ─── Bridge ──────────────────────────────────────────────────────────────────

// echoSession returns a mock session that emits one final transcript per
// chunk, with the chunk's bytes as text.
func echoSession() *sttmock.Session {
	sess := sttmock.NewSession()
	sess.SendAudioFunc = func(chunk []byte) error {
		sess.Emit(stt.Transcript{Text: string(chunk), IsFinal: true})
		return nil
	}
	return sess
}

func feed(chunks ...string) <-chan []byte {
	ch := make(chan []byte, len(chunks))
	for _, c := range chunks {
		ch <- []byte(c)
	}
	close(ch)
	return ch
}

func texts(out chan stt.Transcript) []string {
	var got []string
	for {
		select {
		case tr := <-out:
			got = append(got, tr.Text)
		default:
			return got
		}
	}
}

func fastConfig() bridge.Config {
	return bridge.Config{
		Capacity:     8,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		OpenAttempts: 2,
		Stream:       stt.StreamConfig{SampleRate: 16000, Channels: 1},
	}
}

func TestBridge_RelaysInOrder(t *testing.T) {
	t.Parallel()
	sess := echoSession()
	provider := &sttmock.Provider{Session: sess}

	var (
		mu     sync.Mutex
		hooks  []string
		tapped []string
	)
	b := bridge.New(provider, fastConfig(),
		bridge.WithOnOpening(func() { mu.Lock(); hooks = append(hooks, "opening"); mu.Unlock() }),
		bridge.WithOnOpened(func() { mu.Lock(); hooks = append(hooks, "opened"); mu.Unlock() }),
		bridge.WithTap(func(p []byte) { mu.Lock(); tapped = append(tapped, string(p)); mu.Unlock() }),
	)

	out := make(chan stt.Transcript, 16)
	if err := b.Run(context.Background(), feed("c1", "c2", "c3"), out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"c1", "c2", "c3"}
	if got := texts(out); !slices.Equal(got, want) {
		t.Errorf("transcripts = %v, want %v", got, want)
	}
	var sent []string
	for _, c := range sess.Chunks() {
		sent = append(sent, string(c))
	}
	if !slices.Equal(sent, want) {
		t.Errorf("recognizer received %v, want %v", sent, want)
	}
	if !slices.Equal(tapped, want) {
		t.Errorf("tap saw %v, want %v", tapped, want)
	}
	if !slices.Equal(hooks, []string{"opening", "opened"}) {
		t.Errorf("hooks = %v, want [opening opened]", hooks)
	}
	if closes, aborts := sess.Closes(); closes == 0 || aborts != 0 {
		t.Errorf("Close/Abort calls = %d/%d, want a flush and no abort", closes, aborts)
	}
	if got := provider.StartStreamCalls[0].Cfg.SampleRate; got != 16000 {
		t.Errorf("stream SampleRate = %d, want 16000", got)
	}
}

func TestBridge_RetriesTransientSends(t *testing.T) {
	t.Parallel()
	sess := echoSession()
	sess.SendAudioErrs = []error{
		stt.Transient(errors.New("429")),
		stt.Transient(errors.New("503")),
	}
	b := bridge.New(&sttmock.Provider{Session: sess}, fastConfig())

	out := make(chan stt.Transcript, 16)
	if err := b.Run(context.Background(), feed("a", "b"), out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := texts(out); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("transcripts = %v, want [a b]", got)
	}
	// Two failed attempts on "a", then one success each.
	chunks := sess.Chunks()
	var sent []string
	for _, c := range chunks {
		sent = append(sent, string(c))
	}
	if !slices.Equal(sent, []string{"a", "a", "a", "b"}) {
		t.Errorf("send attempts = %v, want [a a a b]", sent)
	}
}

func TestBridge_RecognitionFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		setup func() *sttmock.Provider
	}{
		{
			name: "retries exhausted",
			setup: func() *sttmock.Provider {
				sess := echoSession()
				transient := stt.Transient(errors.New("503"))
				sess.SendAudioErrs = []error{transient, transient, transient}
				return &sttmock.Provider{Session: sess}
			},
		},
		{
			name: "fatal send",
			setup: func() *sttmock.Provider {
				sess := echoSession()
				sess.SendAudioErrs = []error{errors.New("unsupported encoding")}
				return &sttmock.Provider{Session: sess}
			},
		},
		{
			name: "open fails",
			setup: func() *sttmock.Provider {
				return &sttmock.Provider{StartStreamErr: errors.New("invalid api key")}
			},
		},
		{
			name: "open keeps failing transiently",
			setup: func() *sttmock.Provider {
				return &sttmock.Provider{StartStreamErr: stt.Transient(errors.New("connection refused"))}
			},
		},
		{
			name: "fatal error at close",
			setup: func() *sttmock.Provider {
				sess := echoSession()
				sess.FatalErr = errors.New("stream aborted")
				return &sttmock.Provider{Session: sess}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := bridge.New(tt.setup(), fastConfig())
			err := b.Run(context.Background(), feed("a", "b"), make(chan stt.Transcript, 16))
			if !errors.Is(err, bridge.ErrRecognitionFailure) {
				t.Fatalf("Run = %v, want ErrRecognitionFailure", err)
			}
		})
	}
}

func TestBridge_OpenRetriesTransient(t *testing.T) {
	t.Parallel()
	provider := &sttmock.Provider{
		Session:         echoSession(),
		StartStreamErrs: []error{stt.Transient(fmt.Errorf("dial: connection refused"))},
	}
	b := bridge.New(provider, fastConfig())

	out := make(chan stt.Transcript, 4)
	if err := b.Run(context.Background(), feed("x"), out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if provider.StartStreamCallCount() != 2 {
		t.Errorf("StartStream calls = %d, want 2", provider.StartStreamCallCount())
	}
}

func TestBridge_Backpressure(t *testing.T) {
	t.Parallel()
	stall := make(chan struct{})
	sess := sttmock.NewSession()
	sess.SendAudioFunc = func([]byte) error {
		<-stall
		return nil
	}
	cfg := fastConfig()
	cfg.Capacity = 1
	cfg.BlockTimeout = 20 * time.Millisecond
	b := bridge.New(&sttmock.Provider{Session: sess}, cfg)

	pcm := make(chan []byte, 8)
	for range 8 {
		pcm <- []byte{0, 0}
	}
	time.AfterFunc(500*time.Millisecond, func() { close(stall) })

	err := b.Run(context.Background(), pcm, make(chan stt.Transcript, 16))
	if !errors.Is(err, bridge.ErrBackpressure) {
		t.Fatalf("Run = %v, want ErrBackpressure", err)
	}
}

func TestBridge_DropOldestKeepsRunning(t *testing.T) {
	t.Parallel()
	stall := make(chan struct{})
	sess := sttmock.NewSession()
	sess.SendAudioFunc = func([]byte) error {
		<-stall
		return nil
	}
	cfg := fastConfig()
	cfg.Capacity = 2
	cfg.Policy = bridge.PolicyDropOldest
	b := bridge.New(&sttmock.Provider{Session: sess}, cfg)

	pcm := make(chan []byte)
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background(), pcm, make(chan stt.Transcript, 16)) }()

	for range 10 {
		pcm <- []byte{0, 0}
	}
	close(pcm)
	close(stall)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish")
	}
	if b.Queue().Dropped() == 0 {
		t.Error("expected drops under a stalled recognizer")
	}
	if got := uint64(sess.SendAudioCallCount()) + b.Queue().Dropped(); got != 10 {
		t.Errorf("sent + dropped = %d, want 10", got)
	}
}

func TestBridge_RecognizerEndsEarly(t *testing.T) {
	t.Parallel()
	sess := sttmock.NewSession()
	sess.FatalErr = errors.New("server closed the stream")
	b := bridge.New(&sttmock.Provider{Session: sess}, fastConfig(),
		bridge.WithOnOpened(func() { _ = sess.Close() }),
	)

	pcm := make(chan []byte) // never closed: the client is still connected
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background(), pcm, make(chan stt.Transcript, 1)) }()

	select {
	case err := <-done:
		if !errors.Is(err, bridge.ErrRecognitionFailure) {
			t.Fatalf("Run = %v, want ErrRecognitionFailure", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not notice the recognizer ending")
	}
}

func TestBridge_Cancel(t *testing.T) {
	t.Parallel()
	b := bridge.New(&sttmock.Provider{Session: echoSession()}, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, make(chan []byte), make(chan stt.Transcript)) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run ignored cancellation")
	}
}

// sendSignal wraps a session handle and reports every accepted chunk.
type sendSignal struct {
	stt.SessionHandle
	sent chan struct{}
}

func (s *sendSignal) SendAudio(ctx context.Context, chunk []byte) error {
	err := s.SessionHandle.SendAudio(ctx, chunk)
	if err == nil {
		s.sent <- struct{}{}
	}
	return err
}

type handleProvider struct{ handle stt.SessionHandle }

func (p handleProvider) StartStream(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
	return p.handle, nil
}

// speech returns 100 ms of loud 16 kHz mono PCM.
func speech() []byte {
	pcm := make([]byte, audio.Default.ChunkSize(100*time.Millisecond))
	for i := 0; i < len(pcm); i += 2 {
		pcm[i+1] = 0x40 // 16384
	}
	return pcm
}

// A cancelled run abandons buffered speech instead of recognising it.
func TestBridge_CancelDropsBufferedUtterance(t *testing.T) {
	t.Parallel()
	var (
		mu sync.Mutex
		n  int
	)
	sess := batch.New(audio.WindowConfig{Format: audio.Default}, func(context.Context, audio.Utterance) (string, error) {
		mu.Lock()
		n++
		mu.Unlock()
		time.Sleep(3 * time.Second)
		return "late", nil
	})
	handle := &sendSignal{SessionHandle: sess, sent: make(chan struct{}, 2)}
	b := bridge.New(handleProvider{handle}, fastConfig())

	pcm := make(chan []byte, 2)
	pcm <- speech()
	pcm <- speech()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, pcm, make(chan stt.Transcript, 4)) }()

	for range 2 {
		select {
		case <-handle.sent:
		case <-time.After(5 * time.Second):
			t.Fatal("chunks never reached the recognizer")
		}
	}
	start := time.Now()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run waited for the recognizer after cancel")
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("Run returned %v after cancel", d)
	}
	mu.Lock()
	defer mu.Unlock()
	if n != 0 {
		t.Errorf("recognizer called %d times after cancel, want 0", n)
	}
	if _, ok := <-sess.Results(); ok {
		t.Error("results channel still open after Run")
	}
}

// Cancelling while the drained recognizer flushes interrupts the flush.
func TestBridge_CancelInterruptsFlush(t *testing.T) {
	t.Parallel()
	flushing := make(chan struct{})
	sess := batch.New(audio.WindowConfig{Format: audio.Default}, func(ctx context.Context, _ audio.Utterance) (string, error) {
		close(flushing)
		<-ctx.Done()
		return "", ctx.Err()
	})
	b := bridge.New(handleProvider{sess}, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, feed(string(speech())), make(chan stt.Transcript, 4)) }()

	select {
	case <-flushing:
	case <-time.After(5 * time.Second):
		t.Fatal("drained session never flushed")
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flush outlived cancellation")
	}
}

func TestBridge_CancelAbortsRecognizer(t *testing.T) {
	t.Parallel()
	sess := echoSession()
	opened := make(chan struct{})
	b := bridge.New(&sttmock.Provider{Session: sess}, fastConfig(),
		bridge.WithOnOpened(func() { close(opened) }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, make(chan []byte), make(chan stt.Transcript)) }()
	<-opened
	cancel()
	<-done

	if closes, aborts := sess.Closes(); closes != 0 || aborts != 1 {
		t.Errorf("Close/Abort calls = %d/%d, want 0/1", closes, aborts)
	}
}
