package process

import (
	"strings"
	"sync"

	"github.com/vyvo/compute/buildcache/pkg/remote"
)

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type WorkerState string

const (
	WorkerIdle     WorkerState = "idle"
	WorkerBuilding WorkerState = "building"
)

// Builder aggregate ("big") states shown on the status page.
const (
	BigStateIdle     = "idle"
	BigStateBuilding = "building"
	BigStateOffline  = "offline"
)

// Builder is a named build configuration. BuildDir defaults to the
// translated name and also keys artifact paths.
type Builder struct {
	Name         string
	BuildDir     string
	FriendlyName string

	mu       sync.Mutex
	bigState string
}

func NewBuilder(name, friendlyName string) *Builder {
	if friendlyName == "" {
		friendlyName = name
	}
	return &Builder{
		Name:         name,
		BuildDir:     SafeTranslate(name),
		FriendlyName: friendlyName,
		bigState:     BigStateIdle,
	}
}

func (b *Builder) BigState() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bigState
}

func (b *Builder) SetBigState(state string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bigState = state
}

// TransitionBigState moves the builder to next only if it is currently in from.
func (b *Builder) TransitionBigState(from, next string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bigState != from {
		return false
	}
	b.bigState = next
	return true
}

// Worker is a remote executor attached to a builder. Family is resolved once
// when the worker attaches.
type Worker struct {
	Name   string
	Family remote.OSFamily
	Runner remote.Runner

	mu    sync.Mutex
	state WorkerState
}

func NewWorker(name string, family remote.OSFamily, runner remote.Runner) *Worker {
	return &Worker{Name: name, Family: family, Runner: runner, state: WorkerIdle}
}

func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) SetState(state WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
}

// Transition moves the worker to next only if it is currently in from.
func (w *Worker) Transition(from, next WorkerState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return false
	}
	w.state = next
	return true
}

// Property is a build property value and the name of whatever set it.
type Property struct {
	Value  any
	Source string
}

// Properties is the build's property bag.
type Properties struct {
	mu    sync.RWMutex
	props map[string]Property
}

func NewProperties() *Properties {
	return &Properties{props: make(map[string]Property)}
}

func (p *Properties) Get(name string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prop, ok := p.props[name]
	return prop.Value, ok
}

// GetOr returns the property value or def when it is unset.
func (p *Properties) GetOr(name string, def any) any {
	if v, ok := p.Get(name); ok {
		return v
	}
	return def
}

func (p *Properties) Set(name string, value any, source string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.props[name] = Property{Value: value, Source: source}
}

func (p *Properties) Source(name string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.props[name].Source
}

// Snapshot copies the current values.
func (p *Properties) Snapshot() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]any, len(p.props))
	for k, v := range p.props {
		out[k] = v.Value
	}
	return out
}

var translator = strings.NewReplacer(
	"\t", "_", " ", "_", "!", "_", "#", "_", "$", "_", "%", "_", "&", "_", "'", "_",
	"(", "_", ")", "_", "*", "_", "+", "_", ",", "_", ".", "_", "/", "_", ":", "_",
	";", "_", "<", "_", "=", "_", ">", "_", "?", "_", "@", "_", "[", "_", "\\", "_",
	"]", "_", "^", "_", "{", "_", "|", "_", "}", "_", "~", "_",
)

// SafeTranslate turns a builder name into a directory name by replacing
// shell and path metacharacters with underscores.
func SafeTranslate(name string) string {
	return translator.Replace(name)
}
