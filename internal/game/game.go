// Package game is the desktop shell around the sample pipeline: it maps the
// window width to the stream capacity, turns key presses into settings
// snapshots and draws the current buffer snapshot.
package game

import (
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"sync/atomic"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/vector"
	"github.com/ncruces/zenity"

	"github.com/iburimskiy/wave-stream/internal/config"
	"github.com/iburimskiy/wave-stream/internal/render"
	"github.com/iburimskiy/wave-stream/internal/stream"
	"github.com/iburimskiy/wave-stream/internal/wave"
)

// Stream is the connection side the shell drives.
type Stream interface {
	Open(capacity int) error
	SetCapacity(capacity int) error
	Snapshot() []wave.Sample
	Status() stream.Status
}

// Observer receives every new settings snapshot.
type Observer interface {
	Observe(s wave.Settings) bool
}

// Prompter asks the user for a value; it returns zenity.ErrCanceled when the
// dialog is dismissed.
type Prompter func(title, initial string) (string, error)

// ZenityPrompt is the default Prompter.
func ZenityPrompt(title, initial string) (string, error) {
	return zenity.Entry(title+":",
		zenity.Title("Edit "+title),
		zenity.EntryText(initial),
	)
}

type promptResult struct {
	field Field
	value string
	err   error
}

// Game implements ebiten.Game.
type Game struct {
	stream   Stream
	observer Observer
	editor   *Editor
	prompt   Prompter
	logger   *slog.Logger

	width  int
	opened bool
	status atomic.Pointer[stream.Status]

	prompts   chan promptResult
	prompting bool
	pushErrs  chan error
	pushErr   error

	// input edge detection
	prevKey map[ebiten.Key]bool

	colorPhase float64
	lastErr    error
}

// New returns a game editing initial. The initial snapshot is handed to the
// observer right away.
func New(s Stream, o Observer, initial wave.Settings, logger *slog.Logger) *Game {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Game{
		stream:   s,
		observer: o,
		editor:   NewEditor(initial),
		prompt:   ZenityPrompt,
		logger:   logger,
		prompts:  make(chan promptResult, 1),
		pushErrs: make(chan error, 8),
		prevKey:  map[ebiten.Key]bool{},
	}
	st := s.Status()
	g.status.Store(&st)
	o.Observe(initial)
	return g
}

// StatusChanged records the latest stream status for the next Draw. It is
// meant to be registered with the manager's OnChange and never blocks.
func (g *Game) StatusChanged(st stream.Status) {
	g.status.Store(&st)
}

// SetPrompter replaces the value prompt.
func (g *Game) SetPrompter(p Prompter) { g.prompt = p }

// PushResult records the outcome of a settings push. It may be called from
// any goroutine and never blocks.
func (g *Game) PushResult(seq uint64, err error) {
	select {
	case g.pushErrs <- err:
	default:
	}
}

// Settings returns the current snapshot.
func (g *Game) Settings() wave.Settings { return g.editor.Settings() }

var fieldKeys = map[ebiten.Key]Field{
	ebiten.Key1: Period,
	ebiten.Key2: Amplitude,
	ebiten.Key3: Phase,
	ebiten.Key4: NoiseFactor,
	ebiten.Key5: NoiseRate,
}

func (g *Game) Update() error {
	justPressed := func(k ebiten.Key) bool {
		pressed := ebiten.IsKeyPressed(k)
		jp := pressed && !g.prevKey[k]
		g.prevKey[k] = pressed
		return jp
	}

	g.resize(g.width)
	g.drain()

	for k, f := range fieldKeys {
		if justPressed(k) {
			g.editor.Select(f)
		}
	}
	if justPressed(ebiten.KeyUp) {
		g.edit(g.editor.Step(1))
	}
	if justPressed(ebiten.KeyDown) {
		g.edit(g.editor.Step(-1))
	}
	if justPressed(ebiten.KeyEnter) {
		g.openPrompt()
	}
	if justPressed(ebiten.KeyEscape) || justPressed(ebiten.KeyQ) {
		return ebiten.Termination
	}

	g.colorPhase += config.ColorShiftSpeed
	return nil
}

// resize opens the stream on the first frame and follows width afterwards.
func (g *Game) resize(width int) {
	if width <= 0 {
		return
	}
	var err error
	if !g.opened {
		err = g.stream.Open(width)
		g.opened = err == nil
	} else {
		err = g.stream.SetCapacity(width)
	}
	if err != nil {
		g.lastErr = err
	}
}

// drain applies finished prompts and push results on the game loop.
func (g *Game) drain() {
	for {
		select {
		case r := <-g.prompts:
			g.prompting = false
			g.applyPrompt(r)
		case err := <-g.pushErrs:
			g.pushErr = err
		default:
			return
		}
	}
}

func (g *Game) applyPrompt(r promptResult) {
	if r.err != nil {
		if !errors.Is(r.err, zenity.ErrCanceled) {
			g.lastErr = r.err
		}
		return
	}
	prev := g.editor.Field()
	g.editor.Select(r.field)
	g.edit(g.editor.Set(r.value))
	g.editor.Select(prev)
}

// edit hands a new snapshot to the observer, or records why it was refused.
func (g *Game) edit(s wave.Settings, err error) {
	if err != nil {
		g.lastErr = err
		g.logger.Debug("game: edit refused", "error", err)
		return
	}
	g.lastErr = nil
	g.observer.Observe(s)
}

func (g *Game) openPrompt() {
	if g.prompting || g.prompt == nil {
		return
	}
	g.prompting = true
	field, initial, prompt := g.editor.Field(), g.editor.Value(), g.prompt
	go func() {
		value, err := prompt(field.String(), initial)
		g.prompts <- promptResult{field: field, value: value, err: err}
	}()
}

func (g *Game) Draw(screen *ebiten.Image) {
	screen.Fill(color.RGBA{R: 0x28, G: 0x2c, B: 0x34, A: 0xff})

	st := *g.status.Load()
	bounds := screen.Bounds()
	pts := render.Points(g.stream.Snapshot(), wave.Screen{Width: bounds.Dx(), Height: bounds.Dy()})
	stroke := render.Stroke(st.State == stream.Open, g.colorPhase)
	for i := 1; i < len(pts); i++ {
		vector.StrokeLine(screen, pts[i-1].X, pts[i-1].Y, pts[i].X, pts[i].Y, config.StrokeWidth, stroke, false)
	}

	ebitenutil.DebugPrintAt(screen, "Settings: "+g.editor.Settings().String(), 12, 12)
	ebitenutil.DebugPrintAt(screen, g.statusLine(st), 12, 28)
	ebitenutil.DebugPrintAt(screen, "1-5 select field, Up/Down step, Enter type a value, Esc/Q quit", 12, bounds.Dy()-20)
}

func (g *Game) statusLine(st stream.Status) string {
	line := fmt.Sprintf("[%s] %s | stream %s epoch %d cap %d",
		g.editor.Field(), g.editor.Value(), st.State, st.Epoch, st.Capacity)
	if st.State != stream.Open && st.Attempts > 0 {
		line += fmt.Sprintf(" retry #%d", st.Attempts)
	}
	switch {
	case g.lastErr != nil:
		line += " | Error: " + g.lastErr.Error()
	case st.LastError != nil:
		line += " | Error: " + st.LastError.Error()
	case g.pushErr != nil:
		line += " | Push: " + g.pushErr.Error()
	}
	return line
}

// Layout caps the logical width at config.MaxScreenWidth and remembers it
// as the stream capacity for the next Update.
func (g *Game) Layout(outsideWidth, outsideHeight int) (int, int) {
	g.width = min(outsideWidth, config.MaxScreenWidth)
	if g.width < 1 {
		g.width = 1
	}
	return g.width, config.ScreenHeight
}
