package audio

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	wav "github.com/youpy/go-wav"
)

// Player plays one WAV resource at a time on the default output device.
// Remote URIs are fetched over HTTP; anything else is treated as a local
// file path.
type Player struct {
	framesPerBuffer int
	httpClient      *http.Client

	mu         sync.Mutex
	stream     *portaudio.Stream
	playing    bool
	gen        int
	onComplete func()
}

func NewPlayer() *Player {
	return &Player{
		framesPerBuffer: defaultFramesPerBuffer,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
	}
}

// OnComplete registers the handler fired after natural end of playback, once
// the resource has been unloaded. Manual Stop does not fire it.
func (p *Player) OnComplete(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onComplete = fn
}

func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Play unloads any current resource, then loads and starts uri. The unload
// happens before the fetch, so a failed load never leaves the previous
// resource playing.
func (p *Player) Play(uri string) error {
	p.Stop()

	data, err := p.fetch(uri)
	if err != nil {
		return err
	}

	reader := wav.NewReader(bytes.NewReader(data))
	format, err := reader.Format()
	if err != nil {
		return fmt.Errorf("failed to read WAV format: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.unloadLocked()

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	gen := p.gen
	var done sync.Once
	stream, err := portaudio.OpenDefaultStream(
		0,
		int(format.NumChannels),
		float64(format.SampleRate),
		p.framesPerBuffer,
		func(out []int16) {
			samples, rerr := reader.ReadSamples(uint32(len(out) / int(format.NumChannels)))
			if rerr == io.EOF || len(samples) == 0 {
				for i := range out {
					out[i] = 0
				}
				done.Do(func() { go p.finished(gen) })
				return
			}
			if rerr != nil {
				slog.Error("Error reading WAV samples", "error", rerr)
				for i := range out {
					out[i] = 0
				}
				done.Do(func() { go p.finished(gen) })
				return
			}

			i := 0
			for _, sample := range samples {
				for ch := 0; ch < int(format.NumChannels) && i < len(out); ch++ {
					out[i] = int16(sample.Values[ch])
					i++
				}
			}
			for ; i < len(out); i++ {
				out[i] = 0
			}
		},
	)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("failed to open output stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("failed to start output stream: %w", err)
	}

	p.stream = stream
	p.playing = true
	slog.Debug("Playback started", "uri", uri, "sampleRate", format.SampleRate)
	return nil
}

// Stop halts and unloads the current resource; safe when nothing is playing.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unloadLocked()
}

// Close unloads any loaded resource when the owning session ends.
func (p *Player) Close() {
	p.Stop()
}

// finished handles natural end of playback off the callback thread; stopping
// a PortAudio stream from its own callback would deadlock.
func (p *Player) finished(gen int) {
	p.mu.Lock()
	if gen != p.gen || !p.playing {
		p.mu.Unlock()
		return
	}
	p.unloadLocked()
	fn := p.onComplete
	p.mu.Unlock()

	slog.Debug("Playback finished")
	if fn != nil {
		fn()
	}
}

func (p *Player) unloadLocked() {
	if p.stream == nil {
		p.playing = false
		return
	}
	if err := p.stream.Abort(); err != nil {
		slog.Debug("Failed to abort output stream", "error", err)
	}
	if err := p.stream.Close(); err != nil {
		slog.Debug("Failed to close output stream", "error", err)
	}
	p.stream = nil
	p.playing = false
	p.gen++
	portaudio.Terminate()
}

func (p *Player) fetch(uri string) ([]byte, error) {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		resp, err := p.httpClient.Get(uri)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch audio: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to fetch audio: HTTP %d", resp.StatusCode)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read audio body: %w", err)
		}
		return data, nil
	}

	data, err := os.ReadFile(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	return data, nil
}
