// Package sound plays the short audible cue for incoming notifications.
package sound

import (
	_ "embed"

	"go.uber.org/zap"

	"classroom-kanban-go/internal/logger"
	"classroom-kanban-go/internal/prefs"
)

// PreferenceKey stores whether the cue is enabled.
const PreferenceKey = "notificationSoundEnabled"

const fallbackVolume = 0.3

//go:embed fallback.wav
var fallbackClip []byte

// Player outputs a WAV clip at the given volume (0..1).
type Player interface {
	Play(clip []byte, volume float64) error
}

type Engine struct {
	player Player
	prefs  prefs.Store
	log    *zap.Logger

	// Synth renders the primary cue.
	Synth func() ([]byte, error)
}

func NewEngine(player Player, store prefs.Store, log *zap.Logger) *Engine {
	return &Engine{
		player: player,
		prefs:  store,
		log:    logger.OrNop(log).Named("sound"),
		Synth:  func() ([]byte, error) { return Synthesize(DefaultSampleRate) },
	}
}

// Play synthesizes and plays the cue, falling back to the embedded clip. If
// both fail the cue is skipped.
func (e *Engine) Play() {
	err := e.playSynth()
	if err == nil {
		return
	}
	e.log.Warn("notification sound failed", zap.Error(err))

	if err := e.player.Play(fallbackClip, fallbackVolume); err != nil {
		e.log.Debug("fallback sound failed", zap.Error(err))
	}
}

func (e *Engine) playSynth() error {
	clip, err := e.Synth()
	if err != nil {
		return err
	}
	return e.player.Play(clip, 1)
}

// Enabled defaults to true when the preference was never set.
func (e *Engine) Enabled() bool {
	v, ok := e.prefs.Bool(PreferenceKey)
	return !ok || v
}

func (e *Engine) SetEnabled(enabled bool) error {
	return e.prefs.SetBool(PreferenceKey, enabled)
}

// FallbackClip returns the embedded clip.
func FallbackClip() []byte {
	return fallbackClip
}
