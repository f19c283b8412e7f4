package pipeline

import (
	"fmt"

	"github.com/johnkcr/collection-service/internal/models"
)

// ValidateToken checks that every field group up to and including level
// is populated. Groups are checked in order (mint, uri, metadata, cached
// image, original image) and the first missing one is returned as a
// *TokenError tagged with that group. The cached image group is only
// checked when level is TokenStepCacheImage.
func ValidateToken(t *models.Token, level models.RefreshTokenFlow) error {
	if t.MintedAt <= 0 || t.Minter == "" || t.TokenID == "" || t.MintPrice == nil || t.MintTxHash == "" {
		return tokenError(models.TokenStepMint, fmt.Sprintf(
			"invalid mint token property. Token Id: %s Minted At: %d Minter: %s", t.TokenID, t.MintedAt, t.Minter), nil)
	}
	if level == models.TokenStepMint {
		return nil
	}

	if t.TokenURI == "" {
		return tokenError(models.TokenStepUri, fmt.Sprintf("invalid uri token. Token Id: %s", t.TokenID), nil)
	}
	if level == models.TokenStepUri {
		return nil
	}

	if t.Metadata == nil || t.NumTraitTypes == nil || t.UpdatedAt <= 0 {
		return tokenError(models.TokenStepMetadata, fmt.Sprintf("invalid metadata token. Token Id: %s", t.TokenID), nil)
	}
	if level == models.TokenStepMetadata {
		return nil
	}

	if level == models.TokenStepCacheImage {
		if t.Image == nil || t.Image.URL == "" {
			return tokenError(models.TokenStepCacheImage, fmt.Sprintf("invalid cache image token. Token Id: %s", t.TokenID), nil)
		}
		return nil
	}

	if t.Image == nil || t.Image.OriginalURL == "" {
		return tokenError(models.TokenStepImage, fmt.Sprintf("invalid original image token. Token Id: %s", t.TokenID), nil)
	}
	return nil
}

// validAt is ValidateToken as a predicate.
func validAt(t *models.Token, level models.RefreshTokenFlow) bool {
	return ValidateToken(t, level) == nil
}

// imageless reports whether t is missing any part of its image.
func imageless(t *models.Token) bool {
	return t.Image == nil || t.Image.URL == "" || t.Image.OriginalURL == "" || t.Image.UpdatedAt <= 0
}
