package reqtable

import (
	"fmt"

	"github.com/dstack-labs/pbftcore/crypto"
)

// DuplicateRequestError is returned by Put when a client resubmits a
// request ID at or below its last executed one.
type DuplicateRequestError struct {
	ClientID  int32
	RequestID uint64
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("reqtable: duplicate request %d from client %d", e.RequestID, e.ClientID)
}

func errDuplicateRequest(clientID int32, requestID uint64) error {
	return &DuplicateRequestError{ClientID: clientID, RequestID: requestID}
}

// UnknownDigestError is returned by MarkExecuted when the digest was
// never admitted via Want or Put.
type UnknownDigestError struct {
	Digest crypto.Digest
}

func (e *UnknownDigestError) Error() string {
	return fmt.Sprintf("reqtable: unknown digest %s", e.Digest)
}

func errUnknownDigest(d crypto.Digest) error {
	return &UnknownDigestError{Digest: d}
}
