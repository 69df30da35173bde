package connector

import (
	"context"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/pockettdocs/backend/internal/auth"
	"github.com/pockettdocs/backend/internal/crypto"
	"github.com/pockettdocs/backend/internal/model"
)

type captureNotifier struct {
	events   []string
	payloads []any
}

func (n *captureNotifier) Broadcast(event string, payload any) {
	n.events = append(n.events, event)
	n.payloads = append(n.payloads, payload)
}

func TestStoreConnection_ReconnectKeepsConnectorID(t *testing.T) {
	conns := &fakeConnectors{byID: map[string]*model.Connector{}}
	notifier := &captureNotifier{}
	lc := NewLifecycle(conns, &fakeTokens{}, crypto.NewPlainEncryptor(), notifier)

	tok := &oauth2.Token{AccessToken: "at-1", RefreshToken: "rt-1", Expiry: time.Now().Add(time.Hour)}
	info := &auth.UserInfo{ID: "google-123", Email: "alice@example.com", Name: "Alice"}

	first, err := lc.StoreConnection(context.Background(), "org-1", tok, info)
	if err != nil {
		t.Fatalf("first StoreConnection: %v", err)
	}

	second, err := lc.StoreConnection(context.Background(), "org-1", tok, info)
	if err != nil {
		t.Fatalf("second StoreConnection: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("reconnect returned id %q, want persisted %q", second.ID, first.ID)
	}
	if _, ok := conns.byID[second.ID]; !ok {
		t.Errorf("returned id %q has no stored row", second.ID)
	}

	// The broadcast must carry the persisted id too; clients key their state
	// off it.
	if len(notifier.payloads) != 2 {
		t.Fatalf("broadcasts = %d, want 2", len(notifier.payloads))
	}
	payload := notifier.payloads[1].(map[string]any)
	if payload["connectorId"] != first.ID {
		t.Errorf("broadcast connectorId = %v, want %q", payload["connectorId"], first.ID)
	}
}
