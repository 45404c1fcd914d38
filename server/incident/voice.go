package incident

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/centinelacam/centinela/pkg/log"
	"github.com/centinelacam/centinela/pkg/shell"
	"github.com/go-resty/resty/v2"
)

// DefaultVoiceCooldown suppresses repeat alerts; back-to-back sequences on
// different cameras would otherwise talk over each other.
const DefaultVoiceCooldown = 15 * time.Second

// VoiceAlerter synthesizes a short Spanish announcement for each new
// violence sequence and plays it on the default audio device. The TTS
// service returns raw PCM (22050 Hz, mono, 16 bit) which we pipe straight
// into the system player.
type VoiceAlerter struct {
	Log log.Log

	client   *resty.Client
	voice    string
	cooldown time.Duration

	lock      sync.Mutex
	lastAlert time.Time

	// speakFn is swapped out by tests that must not hit the network
	speakFn func(text string)
}

// ttsRequest is the synthesis service's API
type ttsRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// NewVoiceAlerter returns nil when baseURL is empty, which disables voice
// alerts entirely.
func NewVoiceAlerter(logger log.Log, baseURL, language string, cooldown time.Duration) *VoiceAlerter {
	if baseURL == "" {
		return nil
	}
	if cooldown <= 0 {
		cooldown = DefaultVoiceCooldown
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(1)
	v := &VoiceAlerter{
		Log:      log.NewPrefixLogger(logger, "voice"),
		client:   client,
		voice:    voiceForLanguage(language),
		cooldown: cooldown,
	}
	v.speakFn = v.speak
	return v
}

func voiceForLanguage(language string) string {
	if language == "" || language == "es" {
		return "es_ES-davefx-medium"
	}
	return language
}

// Alert speaks a violence announcement. Returns false when the cooldown
// suppressed it; force bypasses the cooldown.
func (v *VoiceAlerter) Alert(location string, probability float32, persons int, force bool) bool {
	v.lock.Lock()
	if !force && time.Since(v.lastAlert) < v.cooldown {
		v.lock.Unlock()
		v.Log.Debugf("Voice alert suppressed by cooldown")
		return false
	}
	v.lastAlert = time.Now()
	v.lock.Unlock()

	go v.speakFn(alertText(location, probability, persons))
	return true
}

func alertText(location string, probability float32, persons int) string {
	return fmt.Sprintf("Atención. Violencia detectada en %v. %v personas involucradas. Probabilidad %v por ciento.",
		location, persons, int(probability*100))
}

// speak runs on its own goroutine; synthesis plus playback takes seconds
func (v *VoiceAlerter) speak(text string) {
	resp, err := v.client.R().
		SetBody(&ttsRequest{Text: text, Voice: v.voice}).
		Post("/api/tts")
	if err != nil {
		v.Log.Errorf("Voice synthesis request failed: %v", err)
		return
	}
	if resp.IsError() {
		v.Log.Errorf("Voice synthesis returned %v", resp.Status())
		return
	}
	pcm := resp.Body()
	if len(pcm) == 0 {
		v.Log.Warnf("Voice synthesis returned no audio")
		return
	}
	err = shell.RunWithStdin(bytes.NewReader(pcm), "aplay", "-q", "-r", "22050", "-f", "S16_LE", "-c", "1", "-t", "raw")
	if err != nil {
		v.Log.Errorf("Audio playback failed: %v", err)
	}
}
