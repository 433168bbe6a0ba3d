package escrow

import (
	apperrors "github.com/goliatone/go-errors"
)

// Orchestrator error sentinels. Each carries a stable text code so the HTTP
// boundary can return a machine-readable rejection; callers match with
// errors.Is. EXTERNAL_CAPTURE_FAILED always means the local rollback to paid
// succeeded and the operation is safe to retry. POST_CAPTURE_COMMIT_FAILED is
// the one genuinely dangerous class: funds were captured but the local commit
// did not land, so it is never merged with a capture failure.
var (
	ErrForbidden = apperrors.New("caller is not the transaction owner or an admin", apperrors.CategoryBadInput).
			WithTextCode("FORBIDDEN")
	ErrAlreadyReleased = apperrors.New("funds were already released", apperrors.CategoryConflict).
				WithTextCode("ALREADY_RELEASED")
	ErrAlreadyRefunded = apperrors.New("funds were already refunded", apperrors.CategoryConflict).
				WithTextCode("ALREADY_REFUNDED")
	ErrConcurrentClaimLost = apperrors.New("another operation already claimed this transaction", apperrors.CategoryConflict).
				WithTextCode("CONCURRENT_CLAIM_LOST")
	ErrDisputeBlocksRelease = apperrors.New("an open dispute blocks release", apperrors.CategoryConflict).
				WithTextCode("DISPUTE_BLOCKS_RELEASE")
	ErrExternalCaptureFailed = apperrors.New("payment processor rejected or timed out capturing funds", apperrors.CategoryExternal).
					WithTextCode("EXTERNAL_CAPTURE_FAILED")
	ErrPostCaptureCommitFailed = apperrors.New("funds were captured but the local commit failed; contact support", apperrors.CategoryHandler).
					WithTextCode("POST_CAPTURE_COMMIT_FAILED")
)
