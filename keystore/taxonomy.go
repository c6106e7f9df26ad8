package keystore

import (
	"fmt"

	"github.com/ruteri/gpu-cc-key-manager/interfaces"
)

// hopperTaxonomy is the key-space layout of Hopper-class silicon: one GSP
// space, one SEC2 space and eight copy-engine spaces. All queries are pure.
type hopperTaxonomy struct{}

const hopperLceKeySpaces = 8

func (hopperTaxonomy) KeySpaceFromChannel(ch interfaces.ChannelID) (interfaces.KeySpace, error) {
	switch {
	case ch.Engine == interfaces.EngineGsp:
		return interfaces.KeySpaceGsp, nil
	case ch.Engine == interfaces.EngineSec2:
		return interfaces.KeySpaceSec2, nil
	case ch.Engine >= interfaces.EngineCE0 && ch.Engine <= interfaces.EngineCE7:
		return interfaces.KeySpaceLce0 + interfaces.KeySpace(ch.Engine-interfaces.EngineCE0), nil
	default:
		return 0, fmt.Errorf("channel %s has no key space: %w", ch, interfaces.ErrInvalidIdentifier)
	}
}

func (hopperTaxonomy) EngineIDFromKeySpace(space interfaces.KeySpace) (interfaces.EngineID, error) {
	switch {
	case space == interfaces.KeySpaceGsp:
		return interfaces.EngineGsp, nil
	case space == interfaces.KeySpaceSec2:
		return interfaces.EngineSec2, nil
	case space.IsLce():
		return interfaces.EngineCE0 + interfaces.EngineID(space-interfaces.KeySpaceLce0), nil
	default:
		return 0, fmt.Errorf("key space %s has no engine: %w", space, interfaces.ErrInvalidIdentifier)
	}
}

func (t hopperTaxonomy) LceKeyIDFromChannel(ch interfaces.ChannelID) (interfaces.GlobalKeyID, error) {
	space, err := t.KeySpaceFromChannel(ch)
	if err != nil {
		return interfaces.GlobalKeyID{}, err
	}
	if !space.IsLce() {
		return interfaces.GlobalKeyID{}, fmt.Errorf("channel %s is not on a copy engine: %w", ch, interfaces.ErrInvalidIdentifier)
	}

	pair, err := t.KeyPairForKeySpace(space, ch.Privileged)
	if err != nil {
		return interfaces.GlobalKeyID{}, err
	}
	return pair.Encrypt, nil
}

func (hopperTaxonomy) MaxKeySpaceIndex() int { return hopperLceKeySpaces }

func (t hopperTaxonomy) KeyPairByChannel(ch interfaces.ChannelID) (interfaces.KeyPair, error) {
	space, err := t.KeySpaceFromChannel(ch)
	if err != nil {
		return interfaces.KeyPair{}, err
	}
	return t.KeyPairForKeySpace(space, ch.Privileged)
}

func (hopperTaxonomy) KeyPairForKeySpace(space interfaces.KeySpace, kernel bool) (interfaces.KeyPair, error) {
	var enc interfaces.LocalKeyID

	switch {
	case space == interfaces.KeySpaceGsp:
		if !kernel {
			return interfaces.KeyPair{}, fmt.Errorf("gsp key space has no user keys: %w", interfaces.ErrInvalidIdentifier)
		}
		enc = interfaces.LocalGspLockedRpcEncrypt
	case space == interfaces.KeySpaceSec2:
		if kernel {
			enc = interfaces.LocalSec2DataKernelEncrypt
		} else {
			enc = interfaces.LocalSec2DataUserEncrypt
		}
	case space.IsLce():
		if kernel {
			enc = interfaces.LocalLceH2DKernel
		} else {
			enc = interfaces.LocalLceH2DUser
		}
	default:
		return interfaces.KeyPair{}, fmt.Errorf("key space %s unknown: %w", space, interfaces.ErrInvalidIdentifier)
	}

	encID := interfaces.GlobalKeyID{Space: space, Local: enc}
	return interfaces.KeyPair{Encrypt: encID, Decrypt: encID.PairCounterpart()}, nil
}

func (hopperTaxonomy) GlobalKeyIsKernelPriv(id interfaces.GlobalKeyID) bool {
	switch {
	case id.Space == interfaces.KeySpaceGsp:
		return true
	case id.Space == interfaces.KeySpaceSec2:
		return id.Local >= interfaces.LocalSec2DataKernelEncrypt
	case id.Space.IsLce():
		return id.Local >= interfaces.LocalLceH2DKernel
	default:
		return false
	}
}

func (hopperTaxonomy) GlobalKeyIsUvmKey(id interfaces.GlobalKeyID) bool {
	switch {
	case id.Space == interfaces.KeySpaceGsp:
		return id.Local >= interfaces.LocalGspReplayableFaultEncrypt &&
			id.Local <= interfaces.LocalGspNonReplayableFaultDecrypt
	case id.Space.IsLce():
		return id.Local == interfaces.LocalLceH2DKernel || id.Local == interfaces.LocalLceD2HKernel
	default:
		return false
	}
}

// spaceForEngine maps an engine to the key space it owns.
func spaceForEngine(e interfaces.EngineID) (interfaces.KeySpace, error) {
	return hopperTaxonomy{}.KeySpaceFromChannel(interfaces.ChannelID{Engine: e})
}
