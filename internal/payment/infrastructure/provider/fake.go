package provider

import (
	"context"
	"sync"

	"github.com/holdfast-io/holdfast/internal/payment/domain"
)

// FakeProvider is a deterministic in-memory provider for tests and local
// development. Payment objects are registered up front; behavior is fully
// scripted, no randomness.
type FakeProvider struct {
	mu      sync.Mutex
	objects map[string]*domain.ProviderObject

	// FailNext makes the next call return this error, then resets.
	FailNext error
}

// NewFakeProvider creates an empty fake provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{objects: make(map[string]*domain.ProviderObject)}
}

// Register seeds a payment object.
func (p *FakeProvider) Register(obj domain.ProviderObject) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := obj
	p.objects[obj.ID] = &cp
}

func (p *FakeProvider) takeFailure() error {
	err := p.FailNext
	p.FailNext = nil
	return err
}

func (p *FakeProvider) Retrieve(ctx context.Context, externalID string) (*domain.ProviderObject, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return nil, err
	}
	obj, ok := p.objects[externalID]
	if !ok {
		return nil, domain.ErrInvalidPaymentIntent
	}
	cp := *obj
	return &cp, nil
}

func (p *FakeProvider) Confirm(ctx context.Context, externalID string) error {
	return p.setStatus(externalID, domain.ProviderStatusRequiresCapture)
}

func (p *FakeProvider) Capture(ctx context.Context, externalID string) error {
	return p.setStatus(externalID, domain.ProviderStatusSucceeded)
}

func (p *FakeProvider) Refund(ctx context.Context, externalID string) error {
	return p.setStatus(externalID, domain.ProviderStatusCanceled)
}

func (p *FakeProvider) setStatus(externalID, status string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return err
	}
	obj, ok := p.objects[externalID]
	if !ok {
		return domain.ErrInvalidPaymentIntent
	}
	obj.Status = status
	return nil
}
