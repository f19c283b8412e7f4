package models

// CreationFlow is one step of the collection creation state machine.
type CreationFlow string

const (
	StepCollectionCreator  CreationFlow = "collection-creator"
	StepCollectionMetadata CreationFlow = "collection-metadata"
	StepCollectionMints    CreationFlow = "collection-mints"
	StepTokenMetadata      CreationFlow = "token-metadata"
	StepTokenMetadataUri   CreationFlow = "token-metadata-uri"
	StepAggregateMetadata  CreationFlow = "aggregate-metadata"
	StepCacheImage         CreationFlow = "cache-image"
	StepValidateImage      CreationFlow = "validate-image"
	StepComplete           CreationFlow = "complete"
	StepIncomplete         CreationFlow = "incomplete"
	StepUnknown            CreationFlow = "unknown"
)

// CreationOrder is the order a successful run visits the steps.
var CreationOrder = []CreationFlow{
	StepCollectionCreator,
	StepCollectionMetadata,
	StepCollectionMints,
	StepTokenMetadata,
	StepTokenMetadataUri,
	StepAggregateMetadata,
	StepCacheImage,
	StepValidateImage,
	StepComplete,
}

// Next returns the step that follows s in CreationOrder. Terminal and
// unrecognised steps return themselves.
func (s CreationFlow) Next() CreationFlow {
	for i, step := range CreationOrder {
		if step == s && i+1 < len(CreationOrder) {
			return CreationOrder[i+1]
		}
	}
	return s
}

// Terminal reports whether no further transitions exist from s.
func (s CreationFlow) Terminal() bool {
	switch s {
	case StepComplete, StepIncomplete, StepUnknown:
		return true
	}
	return false
}

func (s CreationFlow) Valid() bool {
	switch s {
	case StepIncomplete, StepUnknown:
		return true
	}
	for _, step := range CreationOrder {
		if step == s {
			return true
		}
	}
	return false
}

// RefreshTokenFlow is one step of the per-token refresh state machine.
// Mint and CacheImage are validation levels only; a token's persisted
// step is always one of Uri, Metadata, Image or Complete.
type RefreshTokenFlow string

const (
	TokenStepMint       RefreshTokenFlow = "mint"
	TokenStepUri        RefreshTokenFlow = "uri"
	TokenStepMetadata   RefreshTokenFlow = "metadata"
	TokenStepCacheImage RefreshTokenFlow = "cache-image"
	TokenStepImage      RefreshTokenFlow = "image"
	TokenStepComplete   RefreshTokenFlow = "complete"
)
