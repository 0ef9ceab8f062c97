package pbft

import (
	"fmt"

	"github.com/dstack-labs/pbftcore/crypto"
)

// NotPrimaryError is returned when Propose is called on a replica that
// is not the primary of its current view.
type NotPrimaryError struct {
	ReplicaID int32
	View      uint64
}

func (e *NotPrimaryError) Error() string {
	return fmt.Sprintf("pbft: replica %d is not primary of view %d", e.ReplicaID, e.View)
}

func errNotPrimary(replicaID int32, view uint64) error {
	return &NotPrimaryError{ReplicaID: replicaID, View: view}
}

// InViewChangeError is returned when an operation that requires a stable
// view is attempted while a view change is in progress.
type InViewChangeError struct {
	View uint64
}

func (e *InViewChangeError) Error() string {
	return fmt.Sprintf("pbft: view change to %d in progress", e.View)
}

func errInViewChange(view uint64) error {
	return &InViewChangeError{View: view}
}

// WrongPrimaryError is returned when a Pre-Prepare arrives from a replica
// that is not the primary of the view it claims.
type WrongPrimaryError struct {
	FromID int32
	View   uint64
}

func (e *WrongPrimaryError) Error() string {
	return fmt.Sprintf("pbft: replica %d is not primary of view %d", e.FromID, e.View)
}

func errWrongPrimary(fromID int32, view uint64) error {
	return &WrongPrimaryError{FromID: fromID, View: view}
}

// EquivocationError is returned when a replica is caught voting for two
// different digests at the same sequence number and phase.
type EquivocationError struct {
	ReplicaID int32
	Seqno     uint64
}

func (e *EquivocationError) Error() string {
	return fmt.Sprintf("pbft: replica %d equivocated at seqno %d", e.ReplicaID, e.Seqno)
}

func errEquivocation(replicaID int32, seqno uint64) error {
	return &EquivocationError{ReplicaID: replicaID, Seqno: seqno}
}

// StaleViewError is returned for a message bearing a view this replica
// has already moved past.
type StaleViewError struct {
	FromID int32
	View   uint64
}

func (e *StaleViewError) Error() string {
	return fmt.Sprintf("pbft: stale view %d from replica %d", e.View, e.FromID)
}

func errStaleView(fromID int32, view uint64) error {
	return &StaleViewError{FromID: fromID, View: view}
}

// BadNewViewError is returned when a New-View's carried proof doesn't
// independently justify the Pre-Prepares it ships: a vote that doesn't
// name the claimed view, fewer distinct votes than quorum once
// duplicates are collapsed, or a reconstruction that disagrees with what
// the message actually carries.
type BadNewViewError struct {
	FromID int32
	View   uint64
}

func (e *BadNewViewError) Error() string {
	return fmt.Sprintf("pbft: new-view %d from replica %d does not check out", e.View, e.FromID)
}

func errBadNewView(fromID int32, view uint64) error {
	return &BadNewViewError{FromID: fromID, View: view}
}

// BadFetchResponseError is returned when a manifest Fetch response
// names a set of request digests that doesn't hash to the batch digest
// it claims to explain.
type BadFetchResponseError struct {
	FromID int32
	Seqno  uint64
}

func (e *BadFetchResponseError) Error() string {
	return fmt.Sprintf("pbft: fetch response for seqno %d from replica %d does not match its batch digest", e.Seqno, e.FromID)
}

func errBadFetchResponse(fromID int32, seqno uint64) error {
	return &BadFetchResponseError{FromID: fromID, Seqno: seqno}
}

// UnknownRequestError is returned when a committed batch names a request
// digest that never went through Table.Want or Table.Put on this
// replica. Since Fetch already succeeded by the time this is checked,
// this indicates the request table and log window have fallen out of
// sync, not an ordinary missing-content case.
type UnknownRequestError struct {
	Digest crypto.Digest
}

func (e *UnknownRequestError) Error() string {
	return fmt.Sprintf("pbft: unknown request digest %s", e.Digest)
}

func errUnknownRequest(digest crypto.Digest) error {
	return &UnknownRequestError{Digest: digest}
}
