package process

import "github.com/vyvo/compute/buildcache/pkg/buildstore"

// Link is a named URL attached to a step.
type Link struct {
	Name string
	URL  string
}

// Log is a named block of captured output.
type Log struct {
	Name    string
	Content string
}

// StepStatus collects what a step reports while it runs.
type StepStatus struct {
	Name   string
	Result buildstore.Result
	Hidden bool

	text  []string
	links []Link
	logs  []Log
}

func newStepStatus(name string) *StepStatus {
	return &StepStatus{Name: name, Result: buildstore.NoResult}
}

func (s *StepStatus) SetText(text ...string) {
	s.text = append([]string(nil), text...)
}

func (s *StepStatus) Text() []string {
	return append([]string(nil), s.text...)
}

func (s *StepStatus) AddURL(name, url string) {
	s.links = append(s.links, Link{Name: name, URL: url})
}

func (s *StepStatus) URLs() []Link {
	return append([]Link(nil), s.links...)
}

func (s *StepStatus) AddLog(name, content string) {
	s.logs = append(s.logs, Log{Name: name, Content: content})
}

func (s *StepStatus) Logs() []Log {
	return append([]Log(nil), s.logs...)
}
