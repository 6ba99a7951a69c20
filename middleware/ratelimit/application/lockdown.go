package application

import "go.uber.org/atomic"

// Switch é o gatilho externo do modo de emergência (lockdown).
// Seguro para uso concorrente.
type Switch struct {
	on atomic.Bool
}

func NewSwitch(on bool) *Switch {
	s := &Switch{}
	s.on.Store(on)
	return s
}

func (s *Switch) On() bool {
	return s != nil && s.on.Load()
}

func (s *Switch) Set(on bool) {
	s.on.Store(on)
}
