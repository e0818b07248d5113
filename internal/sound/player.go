package sound

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

var ErrNoPlayer = errors.New("no sound command configured")

// CommandPlayer pipes the clip to an external program such as "aplay -q" or
// "paplay". The requested volume is exported as KANBAN_SOUND_VOLUME.
type CommandPlayer struct {
	Command string
}

func (p CommandPlayer) Play(clip []byte, volume float64) error {
	fields := strings.Fields(p.Command)
	if len(fields) == 0 {
		return ErrNoPlayer
	}
	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.Stdin = bytes.NewReader(clip)
	cmd.Env = append(os.Environ(), "KANBAN_SOUND_VOLUME="+strconv.FormatFloat(volume, 'f', 2, 64))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", fields[0], err)
	}
	go cmd.Wait()
	return nil
}
