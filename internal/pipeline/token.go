package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/johnkcr/collection-service/internal/models"
)

const tokenURIAttempts = 4

// TokenURIReader resolves a token's URI on chain.
type TokenURIReader interface {
	TokenURI(ctx context.Context, tokenID string) (string, error)
}

// URIMetadataSource fetches the document a token URI points at.
type URIMetadataSource interface {
	TokenMetadata(ctx context.Context, uri string) (*models.TokenMetadata, error)
}

// IDMetadataSource looks token metadata up by contract and token id.
type IDMetadataSource interface {
	TokenMetadata(ctx context.Context, chainID, address, tokenID string) (*models.TokenMetadata, error)
}

// TokenDeps are the collaborators a TokenPipeline reads from.
type TokenDeps struct {
	ChainID  string
	Address  string
	Contract TokenURIReader
	URI      URIMetadataSource
	ID       IDMetadataSource
	Now      func() time.Time
}

// Update is one result of a TokenPipeline step. Failed updates carry the
// token with its error recorded in State, except for mint failures which
// leave the token untouched.
type Update struct {
	Token    models.Token
	Progress float64
	Failed   bool
	Err      error
}

// TokenPipeline refreshes one token: Uri -> Metadata -> Image. Image and
// Complete are terminal and only validate. Call Next until it returns
// false.
type TokenPipeline struct {
	deps  TokenDeps
	token models.Token
	done  bool
}

// NewTokenPipeline resumes tok from its persisted step, or from Uri when
// reset is set or no step is recorded.
func NewTokenPipeline(tok models.Token, deps TokenDeps, reset bool) *TokenPipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if tok.State == nil || tok.State.Metadata.Step == "" || reset {
		tok.State = &models.TokenState{Metadata: models.TokenMetadataState{Step: models.TokenStepUri}}
	}
	return &TokenPipeline{deps: deps, token: tok}
}

// Token returns the token as of the last step.
func (p *TokenPipeline) Token() models.Token { return p.token }

// Next runs steps until one yields an update. It returns false once the
// token reached a terminal step or failed.
func (p *TokenPipeline) Next(ctx context.Context) (Update, bool) {
	for !p.done {
		var (
			progress float64
			err      error
		)
		switch p.token.State.Metadata.Step {
		case models.TokenStepUri:
			progress, err = 0.1, p.uri(ctx)
		case models.TokenStepMetadata:
			progress, err = 0.3, p.metadata(ctx)
		case models.TokenStepImage:
			p.done = true
			err = ValidateToken(&p.token, models.TokenStepMetadata)
		case models.TokenStepComplete:
			p.done = true
			err = ValidateToken(&p.token, models.TokenStepComplete)
		default:
			p.token.State = &models.TokenState{Metadata: models.TokenMetadataState{Step: models.TokenStepUri}}
			continue
		}
		if err != nil {
			p.done = true
			return p.fail(err), true
		}
		if !p.done {
			return Update{Token: p.token, Progress: progress}, true
		}
	}
	return Update{}, false
}

// Run drives the pipeline to the end and returns the last token. A
// failure is returned as the update's error.
func (p *TokenPipeline) Run(ctx context.Context, onUpdate func(Update)) (models.Token, error) {
	for {
		u, ok := p.Next(ctx)
		if !ok {
			return p.token, nil
		}
		if onUpdate != nil {
			onUpdate(u)
		}
		if u.Failed {
			return u.Token, u.Err
		}
	}
}

func (p *TokenPipeline) uri(ctx context.Context) error {
	if err := ValidateToken(&p.token, models.TokenStepMint); err != nil {
		return err
	}
	var (
		uri string
		err error
	)
	for attempt := 1; attempt <= tokenURIAttempts; attempt++ {
		uri, err = p.deps.Contract.TokenURI(ctx, p.token.TokenID)
		if err == nil || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		log.Printf("[token] failed to get token uri. Contract: %s Token: %s err=%v", p.deps.Address, p.token.TokenID, err)
		return tokenError(models.TokenStepUri, "failed to get token uri", err)
	}

	next := p.token
	next.TokenURI = uri
	next.State = &models.TokenState{Metadata: models.TokenMetadataState{Step: models.TokenStepMetadata}}
	if err := ValidateToken(&next, models.TokenStepUri); err != nil {
		return err
	}
	p.token = next
	return nil
}

func (p *TokenPipeline) metadata(ctx context.Context) error {
	if err := ValidateToken(&p.token, models.TokenStepUri); err != nil {
		return err
	}
	md, err := p.fetchMetadata(ctx)
	if err != nil {
		return tokenError(models.TokenStepMetadata, "failed to get token metadata", err)
	}

	next := p.token
	next.Metadata = md
	next.UpdatedAt = p.deps.Now().UnixMilli()
	next.NumTraitTypes = models.Int(len(md.Attributes))
	next.State = &models.TokenState{Metadata: models.TokenMetadataState{Step: models.TokenStepImage}}
	if err := ValidateToken(&next, models.TokenStepMetadata); err != nil {
		return err
	}
	p.token = next
	return nil
}

// fetchMetadata tries the token URI first and falls back to the id-keyed
// source.
func (p *TokenPipeline) fetchMetadata(ctx context.Context) (*models.TokenMetadata, error) {
	var errs []error
	if p.token.TokenURI != "" && p.deps.URI != nil {
		md, err := p.deps.URI.TokenMetadata(ctx, p.token.TokenURI)
		if err == nil {
			return md, nil
		}
		errs = append(errs, fmt.Errorf("token uri failed: %w", err))
	}
	if p.token.TokenID != "" && p.deps.ID != nil {
		md, err := p.deps.ID.TokenMetadata(ctx, p.deps.ChainID, p.deps.Address, p.token.TokenID)
		if err == nil {
			return md, nil
		}
		errs = append(errs, fmt.Errorf("moralis failed: %w", err))
	}
	if len(errs) == 0 {
		return nil, errors.New("failed to get metadata")
	}
	return nil, errors.Join(errs...)
}

// fail records err on the token. Mint failures are returned untouched;
// tagged failures persist at the step that can repair them and anything
// else restarts the token at Uri.
func (p *TokenPipeline) fail(err error) Update {
	if IsMintError(err) {
		return Update{Token: p.token, Failed: true, Err: err}
	}

	step := models.TokenStepUri
	var te *TokenError
	if errors.As(err, &te) {
		switch te.Step {
		case models.TokenStepUri, models.TokenStepMetadata, models.TokenStepImage, models.TokenStepComplete:
			step = te.Step
		case models.TokenStepCacheImage:
			step = models.TokenStepImage
		}
	} else {
		te = tokenError(models.TokenStepUri, "failed to refresh metadata", err)
		err = te
	}

	p.token.State = &models.TokenState{Metadata: models.TokenMetadataState{Step: step, Error: te.Record()}}
	return Update{Token: p.token, Failed: true, Err: err}
}
