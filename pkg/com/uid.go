package com

import "github.com/rs/xid"

// Uid names connections, sessions and incidents.
// It is sortable by creation time.
type Uid struct{ xid.ID }

func NewUid() Uid { return Uid{xid.New()} }

// Short is the log form: the first and the last three characters.
func (u Uid) Short() string {
	s := u.String()
	return s[:3] + "." + s[len(s)-3:]
}
