package ack

import "errors"

// ErrInvalidPkid is returned by (*OrderedAckQueue).Register when the
// packet identifier is already registered and not yet drained.
var ErrInvalidPkid = errors.New("ack: pkid already registered")

// ErrNotRegistered is returned by (*OrderedAckQueue).Ack when called for
// a pkid that was never registered.
var ErrNotRegistered = errors.New("ack: pkid not registered")

// ErrAlreadyCommenced is returned by (*PlenaryAck).CreateMember once
// Commence has been called; members may only be created beforehand.
var ErrAlreadyCommenced = errors.New("ack: plenary ack already commenced")
