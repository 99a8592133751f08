// Package scanner runs the pickup station's detection loop: read a frame,
// debounce, verify the code, show the result and redeem on confirmation.
package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-pickup-orders/internal/redemption"
)

const (
	DefaultCooldown      = 1500 * time.Millisecond
	DefaultFrameInterval = 100 * time.Millisecond
)

var ErrNothingToConfirm = errors.New("no verified code to confirm")

type State int

const (
	Scanning State = iota
	Detected
	AwaitingVerify
	ShowingResult
)

func (s State) String() string {
	switch s {
	case Scanning:
		return "scanning"
	case Detected:
		return "detected"
	case AwaitingVerify:
		return "awaiting_verify"
	case ShowingResult:
		return "showing_result"
	}
	return "unknown"
}

// Camera yields decoded codes. Read returns ok=false for a frame without a
// code.
type Camera interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (code string, ok bool, err error)
	Close() error
}

type API interface {
	Verify(ctx context.Context, code string) (redemption.VerifyResult, error)
	Redeem(ctx context.Context, code, key, stationID string) (redemption.RedeemResult, error)
}

// Result is what the station shows for one detection. Key is minted when
// the code is detected and reused by every Confirm for it.
type Result struct {
	Code   string
	Key    string
	Verify *redemption.VerifyResult
	Redeem *redemption.RedeemResult
	Err    error
}

type Scanner struct {
	cam Camera
	api API
	log *zap.Logger

	StationID     string
	Cooldown      time.Duration
	FrameInterval time.Duration
	AutoConfirm   bool
	ResultTimeout time.Duration // zero keeps results until Dismiss
	OnResult      func(Result)

	now    func() time.Time
	newKey func() string

	mu       sync.Mutex
	state    State
	paused   bool
	lastCode string
	lastAt   time.Time
	current  Result
	shownAt  time.Time
}

func New(cam Camera, api API, stationID string, log *zap.Logger) *Scanner {
	return &Scanner{
		cam:           cam,
		api:           api,
		log:           log,
		StationID:     stationID,
		Cooldown:      DefaultCooldown,
		FrameInterval: DefaultFrameInterval,
		now:           time.Now,
		newKey:        uuid.NewString,
	}
}

// Run acquires the camera once and steps on every frame until ctx is done.
func (s *Scanner) Run(ctx context.Context) error {
	if err := s.cam.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := s.cam.Close(); err != nil {
			s.log.Warn("close camera", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(s.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Step(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("scan step", zap.Error(err))
			}
		}
	}
}

// Step runs one iteration of the detection loop. It only reads a frame
// while scanning and not paused.
func (s *Scanner) Step(ctx context.Context) error {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return nil
	}
	if s.state == ShowingResult && s.ResultTimeout > 0 && s.now().Sub(s.shownAt) >= s.ResultTimeout {
		s.reset()
	}
	if s.state != Scanning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	code, ok, err := s.cam.Read(ctx)
	if err != nil || !ok || code == "" {
		return err
	}

	s.mu.Lock()
	if s.state != Scanning || s.paused {
		s.mu.Unlock()
		return nil
	}
	now := s.now()
	if code == s.lastCode && now.Sub(s.lastAt) < s.Cooldown {
		s.mu.Unlock()
		return nil
	}
	s.lastCode, s.lastAt = code, now
	s.state = Detected
	s.current = Result{Code: code, Key: s.newKey()}
	s.state = AwaitingVerify
	s.mu.Unlock()

	s.log.Debug("code detected", zap.String("code", code))
	vr, err := s.api.Verify(ctx, code)

	s.mu.Lock()
	if err != nil {
		s.current.Err = err
	} else {
		s.current.Verify = &vr
	}
	if err != nil || !s.AutoConfirm {
		res := s.show()
		s.mu.Unlock()
		s.notify(res)
		return nil
	}
	s.mu.Unlock()

	s.redeem(ctx)
	return nil
}

// Confirm redeems the code on screen. Pressing it again for the same code
// sends the same idempotency key. A failed redeem is shown, not retried.
func (s *Scanner) Confirm(ctx context.Context) error {
	s.mu.Lock()
	if s.state != ShowingResult || s.current.Verify == nil {
		s.mu.Unlock()
		return ErrNothingToConfirm
	}
	s.state = AwaitingVerify
	s.mu.Unlock()

	s.redeem(ctx)
	return nil
}

func (s *Scanner) redeem(ctx context.Context) {
	s.mu.Lock()
	code, key := s.current.Code, s.current.Key
	s.mu.Unlock()

	rr, err := s.api.Redeem(ctx, code, key, s.StationID)

	s.mu.Lock()
	s.current.Err = err
	if err == nil {
		s.current.Redeem = &rr
		s.log.Info("redeemed",
			zap.String("order_id", rr.OrderID), zap.Int("items_redeemed", rr.ItemsRedeemed), zap.Bool("idempotent", rr.Replayed))
	} else {
		s.log.Warn("redeem", zap.String("code", code), zap.Error(err))
	}
	res := s.show()
	s.mu.Unlock()
	s.notify(res)
}

// show must be called with mu held.
func (s *Scanner) show() Result {
	s.state = ShowingResult
	s.shownAt = s.now()
	return s.current
}

func (s *Scanner) notify(res Result) {
	if s.OnResult != nil {
		s.OnResult(res)
	}
}

// reset must be called with mu held.
func (s *Scanner) reset() {
	s.state = Scanning
	s.current = Result{}
}

// Dismiss closes the result view and resumes scanning.
func (s *Scanner) Dismiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == ShowingResult {
		s.reset()
	}
}

func (s *Scanner) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *Scanner) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scanner) Current() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
