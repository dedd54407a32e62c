package sms

import (
	"errors"
	"testing"
)

func TestRegistryRejectsInvalidRegistrations(t *testing.T) {
	registry := NewRegistry()

	if err := registry.Register(nil); err == nil {
		t.Fatalf("expected nil provider to be rejected")
	}
	if err := registry.Register(&fakeProvider{id: " "}); err == nil {
		t.Fatalf("expected empty id to be rejected")
	}
	if err := registry.Register(&fakeProvider{id: "twilio"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := registry.Register(&fakeProvider{id: "Twilio"}); err == nil {
		t.Fatalf("expected duplicate id to be rejected")
	}

	if _, err := registry.Get("missing"); !errors.Is(err, ErrProviderNotRegistered) {
		t.Fatalf("expected ErrProviderNotRegistered, got %v", err)
	}
	if ids := registry.IDs(); len(ids) != 1 || ids[0] != "twilio" {
		t.Fatalf("expected [twilio], got %v", ids)
	}
}

func TestRegistryBuildChecksFactoryOutput(t *testing.T) {
	registry := NewRegistry()
	_ = registry.RegisterFactory("fonecloud", func(settings Settings) (Provider, error) {
		if settings["api_key"] == "" {
			return nil, ErrMissingCredentials
		}
		return &fakeProvider{id: "fonecloud"}, nil
	})
	_ = registry.RegisterFactory("broken", func(Settings) (Provider, error) {
		return &fakeProvider{id: "other"}, nil
	})
	_ = registry.RegisterFactory("empty", func(Settings) (Provider, error) {
		return nil, nil
	})

	if _, err := registry.Build("fonecloud", Settings{}); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if _, err := registry.Build("broken", nil); err == nil {
		t.Fatalf("expected mismatched provider id to be rejected")
	}
	if _, err := registry.Build("empty", nil); err == nil {
		t.Fatalf("expected nil provider to be rejected")
	}
	if _, err := registry.Build("unknown", nil); err == nil {
		t.Fatalf("expected unknown factory to be rejected")
	}

	provider, err := registry.Build("fonecloud", Settings{"api_key": "k"})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if got, _ := registry.Get("fonecloud"); got != provider {
		t.Fatalf("expected built provider to be registered")
	}
}
