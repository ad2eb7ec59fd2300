package ack

import "sync"

// PlenaryAck is a reference-counted ack coordinator: its action runs
// exactly once, when Commence has been called and every member created
// before Commence has released its AckToken (refcount reaches zero).
//
// Members may only be created while the plenary ack has not yet
// commenced; CreateMember fails with ErrAlreadyCommenced afterward.
type PlenaryAck struct {
	mu        sync.Mutex
	refcount  int
	commenced bool
	fired     bool
	action    func() error
	done      *CompletionToken
}

// NewPlenaryAck creates a plenary ack whose action runs at most once,
// when it fires.
func NewPlenaryAck(action func() error) *PlenaryAck {
	return &PlenaryAck{
		action: action,
		done:   newCompletionToken(),
	}
}

// CreateMember allocates one reference and returns the AckToken the
// application uses to release it.
func (p *PlenaryAck) CreateMember() (*AckToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.commenced {
		return nil, ErrAlreadyCommenced
	}
	p.refcount++
	return &AckToken{plenary: p}, nil
}

// Commence must be called exactly once after all dispatch-time members
// have been created. If no members were ever created, the action fires
// immediately.
func (p *PlenaryAck) Commence() {
	p.mu.Lock()
	p.commenced = true
	fire := p.refcount == 0 && !p.fired
	if fire {
		p.fired = true
	}
	p.mu.Unlock()

	if fire {
		go p.runAction()
	}
}

// release decrements refcount and fires the action if this was the last
// outstanding member and Commence has already run.
func (p *PlenaryAck) release() *CompletionToken {
	p.mu.Lock()
	p.refcount--
	fire := p.commenced && p.refcount == 0 && !p.fired
	if fire {
		p.fired = true
	}
	p.mu.Unlock()

	if fire {
		go p.runAction()
	}
	return p.done
}

func (p *PlenaryAck) runAction() {
	err := p.action()
	p.done.complete(err)
}
