package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/johnkcr/collection-service/internal/models"
)

// FlowError is a collection pipeline failure tagged with the step the
// collection should resume from.
type FlowError struct {
	Step                models.CreationFlow
	Message             string
	LastSuccessfulBlock *uint64
	Err                 error
}

func (e *FlowError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Step, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Step, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Step, e.Message)
}

func (e *FlowError) Unwrap() error { return e.Err }

// Record is the durable form stored on the collection.
func (e *FlowError) Record() *models.ErrorRecord {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	rec := &models.ErrorRecord{Discriminator: string(e.Step), Message: msg}
	if e.LastSuccessfulBlock != nil {
		b := *e.LastSuccessfulBlock
		rec.LastSuccessfulBlock = &b
	}
	return rec
}

// stepError tags err with step unless it already carries a tag.
func stepError(step models.CreationFlow, msg string, err error) error {
	var fe *FlowError
	if errors.As(err, &fe) {
		return err
	}
	return &FlowError{Step: step, Message: msg, Err: err}
}

func CreatorError(err error) error {
	return stepError(models.StepCollectionCreator, "failed to get collection creator", err)
}

func MetadataError(err error) error {
	return stepError(models.StepCollectionMetadata, "failed to get collection metadata", err)
}

// MintsError tags a mint scan failure. A non-nil lastBlock lets the next
// attempt resume after it instead of rescanning from deployment.
func MintsError(msg string, lastBlock *uint64, err error) error {
	var fe *FlowError
	if errors.As(err, &fe) {
		return err
	}
	return &FlowError{Step: models.StepCollectionMints, Message: msg, LastSuccessfulBlock: lastBlock, Err: err}
}

func TokenMetadataError(msg string, err error) error {
	return stepError(models.StepTokenMetadata, msg, err)
}

func AggregateMetadataError(err error) error {
	return stepError(models.StepAggregateMetadata, "failed to aggregate metadata", err)
}

func CacheImageError(err error) error {
	return stepError(models.StepCacheImage, "failed to cache images", err)
}

func ImageValidationError(msg string, err error) error {
	return stepError(models.StepValidateImage, msg, err)
}

// IndexingError marks a collection that finished with tokens that can't
// be repaired by rerunning a step.
func IndexingError(msg string) error {
	return &FlowError{Step: models.StepIncomplete, Message: msg}
}

// SetupError restarts the collection from CollectionCreator on the next
// run. Used when the contract can't be constructed.
func SetupError(err error) error {
	return &FlowError{Step: models.StepUnknown, Message: "failed to set up collection", Err: err}
}

// RecoveryStep picks the step a collection is persisted at after err was
// raised while running current:
//
//	failure while current is Complete  -> Incomplete
//	tagged error with step unknown     -> CollectionCreator
//	any other tagged error             -> the tagged step
//	untagged error                     -> Unknown
func RecoveryStep(current models.CreationFlow, err error) models.CreationFlow {
	var fe *FlowError
	tagged := errors.As(err, &fe)
	switch {
	case current == models.StepComplete:
		return models.StepIncomplete
	case tagged && fe.Step == models.StepUnknown:
		return models.StepCollectionCreator
	case tagged:
		return fe.Step
	default:
		return models.StepUnknown
	}
}

// ErrorRecordFor converts any error into its durable form.
func ErrorRecordFor(err error) *models.ErrorRecord {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Record()
	}
	return &models.ErrorRecord{Discriminator: string(models.StepUnknown), Message: err.Error()}
}

// ApplyFailure moves col to the recovery step for err and records it.
func ApplyFailure(col *models.Collection, err error, now time.Time) {
	col.State.Create.Step = RecoveryStep(col.State.Create.Step, err)
	col.State.Create.UpdatedAt = now.UnixMilli()
	col.State.Create.Error = ErrorRecordFor(err)
	col.State.Export.Done = false
}

// CompleteGate maps the validation level a token failed at during the
// final check to the step that can repair it.
func CompleteGate(failed models.RefreshTokenFlow) models.CreationFlow {
	switch failed {
	case models.TokenStepMint:
		return models.StepCollectionMints
	case models.TokenStepUri, models.TokenStepMetadata:
		return models.StepTokenMetadata
	case models.TokenStepCacheImage:
		return models.StepCacheImage
	case models.TokenStepImage:
		return models.StepValidateImage
	default:
		return models.StepIncomplete
	}
}

// TokenError is a token refresh failure tagged with the token step that
// failed. Step TokenStepMint means the token's mint data is invalid and
// the token can't be refreshed on its own.
type TokenError struct {
	Step    models.RefreshTokenFlow
	Message string
	Err     error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token %s: %s: %v", e.Step, e.Message, e.Err)
	}
	return fmt.Sprintf("token %s: %s", e.Step, e.Message)
}

func (e *TokenError) Unwrap() error { return e.Err }

func (e *TokenError) Record() *models.ErrorRecord {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return &models.ErrorRecord{Discriminator: string(e.Step), Message: msg}
}

func tokenError(step models.RefreshTokenFlow, msg string, err error) *TokenError {
	return &TokenError{Step: step, Message: msg, Err: err}
}

// IsMintError reports whether err carries the mint-integrity tag.
func IsMintError(err error) bool {
	var te *TokenError
	return errors.As(err, &te) && te.Step == models.TokenStepMint
}
