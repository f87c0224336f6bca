// Package clone copies protocols and texts between projects and records the
// old-ID to new-ID mapping produced by each run.
package clone

import (
	"fmt"

	"github.com/nucleus/capture-api/internal/params"
)

// ID identifies a project or unit.
type ID = params.ID

// Scope selects how the unit lists of a run are produced.
type Scope string

const (
	// ScopeProject copies every protocol and text of the source project.
	ScopeProject Scope = "project"
	// ScopeSubset copies only the caller-supplied IDs.
	ScopeSubset Scope = "subset"
)

// UnitKind is the type of record copied by a step.
type UnitKind string

const (
	UnitProtocol UnitKind = "protocol"
	UnitText     UnitKind = "text"
)

// Parameter keys and prefixes carried through the job engine.
const (
	KeyRunID           = "runId"
	KeySourceProject   = "sourceProjectId"
	KeyTargetProject   = "targetProjectId"
	KeyMove            = "move"
	KeyToken           = "uniquenessToken"
	KeyScope           = "scope"
	KeyRequestedBy     = "requestedBy"
	PrefixTaskRemap    = "taskRemap."
	PrefixParticipants = "participantRemap."
	PrefixProtocolIDs  = "protocolIds."
	PrefixTextIDs      = "textIds."
)

// CloneRequest describes one clone run.
type CloneRequest struct {
	RunID            string
	SourceProjectID  ID
	TargetProjectID  ID
	Move             bool
	UniquenessToken  int64
	Scope            Scope
	TaskRemap        map[ID]ID
	ParticipantRemap map[ID]ID
	// ProtocolIDs and TextIDs are only read for ScopeSubset. A nil list copies
	// nothing of that kind.
	ProtocolIDs []ID
	TextIDs     []ID
	RequestedBy string
}

// Validate checks the fields every run needs.
func (r CloneRequest) Validate() error {
	if r.SourceProjectID == 0 {
		return fmt.Errorf("%w: sourceProjectId is required", ErrInvalidRequest)
	}
	if r.TargetProjectID == 0 {
		return fmt.Errorf("%w: targetProjectId is required", ErrInvalidRequest)
	}
	switch r.Scope {
	case ScopeProject:
	case ScopeSubset:
		if len(r.ProtocolIDs) == 0 && len(r.TextIDs) == 0 {
			return fmt.Errorf("%w: subset clone needs protocol or text ids", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidRequest, r.Scope)
	}
	return nil
}

// Encode flattens the request into a parameter set.
func (r CloneRequest) Encode() params.Set {
	s := params.Merge(
		params.Set{
			KeyRunID:         r.RunID,
			KeySourceProject: r.SourceProjectID,
			KeyTargetProject: r.TargetProjectID,
			KeyToken:         r.UniquenessToken,
			KeyScope:         string(r.Scope),
			KeyRequestedBy:   r.RequestedBy,
		},
		params.EncodeMap(r.TaskRemap, PrefixTaskRemap),
		params.EncodeMap(r.ParticipantRemap, PrefixParticipants),
	)
	s.PutBool(KeyMove, r.Move)
	if r.Scope == ScopeSubset {
		s = params.Merge(s,
			params.EncodeList(r.ProtocolIDs, PrefixProtocolIDs),
			params.EncodeList(r.TextIDs, PrefixTextIDs),
		)
	}
	return s
}

// DecodeRequest is the inverse of Encode.
func DecodeRequest(s params.Set) (CloneRequest, error) {
	var (
		r   CloneRequest
		err error
	)
	r.RunID = s.String(KeyRunID)
	r.RequestedBy = s.String(KeyRequestedBy)
	r.Scope = Scope(s.String(KeyScope))
	if r.SourceProjectID, err = s.Int64(KeySourceProject); err != nil {
		return r, err
	}
	if r.TargetProjectID, err = s.Int64(KeyTargetProject); err != nil {
		return r, err
	}
	if r.UniquenessToken, err = s.Int64(KeyToken); err != nil {
		return r, err
	}
	if r.Move, err = s.Bool(KeyMove); err != nil {
		return r, err
	}
	if r.TaskRemap, err = params.DecodeMap(s, PrefixTaskRemap); err != nil {
		return r, err
	}
	if r.ParticipantRemap, err = params.DecodeMap(s, PrefixParticipants); err != nil {
		return r, err
	}
	if r.Scope == ScopeSubset {
		if r.ProtocolIDs, err = params.DecodeList(s, PrefixProtocolIDs); err != nil {
			return r, err
		}
		if r.TextIDs, err = params.DecodeList(s, PrefixTextIDs); err != nil {
			return r, err
		}
	}
	return r, nil
}
