package rotation

import (
	"fmt"

	"github.com/ruteri/gpu-cc-key-manager/interfaces"
)

type scopeKind int

const (
	scopeGlobal scopeKind = iota
	scopeChannel
	scopeKeySpace
)

// Scope selects the identifiers a rotation trigger targets.
type Scope struct {
	kind    scopeKind
	channel interfaces.ChannelID
	engine  interfaces.EngineID
	space   interfaces.KeySpace
}

// ScopeGlobal targets every live identifier in the store.
func ScopeGlobal() Scope {
	return Scope{kind: scopeGlobal}
}

// ScopeChannel targets the encrypt/decrypt pair serving one channel.
func ScopeChannel(ch interfaces.ChannelID) Scope {
	return Scope{kind: scopeChannel, channel: ch}
}

// ScopeKeySpace targets every live identifier in one engine's key space.
func ScopeKeySpace(engine interfaces.EngineID, space interfaces.KeySpace) Scope {
	return Scope{kind: scopeKeySpace, engine: engine, space: space}
}

func (s Scope) String() string {
	switch s.kind {
	case scopeGlobal:
		return "global"
	case scopeChannel:
		return fmt.Sprintf("channel(%s)", s.channel)
	case scopeKeySpace:
		return fmt.Sprintf("keyspace(%s,%s)", s.engine, s.space)
	default:
		return "invalid"
	}
}
