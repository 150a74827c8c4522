// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"mellium.im/xmpp/form"
	"mellium.im/xmpp/jid"

	"mellium.im/xmppd/router"
	"mellium.im/xmppd/storage/memstore"
)

const testHost = "pubsub.example.net"

var (
	owner      = jid.MustParse("owner@example.net")
	subscriber = jid.MustParse("romeo@example.net")
	stranger   = jid.MustParse("iago@example.org")
)

// recordRouter collects every routed stanza for inspection.
type recordRouter struct {
	mu      sync.Mutex
	stanzas []router.Stanza
}

func (r *recordRouter) Route(_ context.Context, st router.Stanza) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stanzas = append(r.stanzas, st)
	return nil
}

func (r *recordRouter) sent() []router.Stanza {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]router.Stanza, len(r.stanzas))
	copy(out, r.stanzas)
	return out
}

func (r *recordRouter) to(j jid.JID) []router.Stanza {
	var out []router.Stanza
	for _, st := range r.sent() {
		if st.To.Bare().Equal(j.Bare()) {
			out = append(out, st)
		}
	}
	return out
}

func (r *recordRouter) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stanzas = nil
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *recordRouter) {
	t.Helper()
	rr := &recordRouter{}
	opts = append([]ServiceOption{WithRouter(rr)}, opts...)
	svc := NewService(testHost, memstore.New(), opts...)
	t.Cleanup(svc.Close)
	return svc, rr
}

func mustCreate(t *testing.T, svc *Service, path string, config *form.Data) string {
	t.Helper()
	created, err := svc.CreateNode(context.Background(), testHost, path, owner, "", config)
	if err != nil {
		t.Fatalf("create %q: %v", path, err)
	}
	return created
}

func mustPublish(t *testing.T, svc *Service, path string, pub jid.JID, id string, payload []byte) string {
	t.Helper()
	got, err := svc.Publish(context.Background(), testHost, path, pub, id, payload)
	if err != nil {
		t.Fatalf("publish %q to %q: %v", id, path, err)
	}
	return got
}

func entry(payload string) []byte {
	return []byte(`<entry xmlns="http://www.w3.org/2005/Atom">` + payload + `</entry>`)
}

func condition(t *testing.T, err error) string {
	t.Helper()
	psErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("want *pubsub.Error, got %T: %v", err, err)
	}
	return string(psErr.Condition())
}

func TestCreatePublishRetrieve(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "princely_musings", nil)

	mustPublish(t, svc, "princely_musings", owner, "first", entry("one"))
	mustPublish(t, svc, "princely_musings", owner, "second", entry("two"))

	items, err := svc.Items(ctx, testHost, "princely_musings", owner, 0)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("want 2 items, got %d", len(items))
	}
	if items[0].ID != "second" || items[1].ID != "first" {
		t.Errorf("wrong order: got %q, %q", items[0].ID, items[1].ID)
	}

	it, err := svc.Item(ctx, testHost, "princely_musings", owner, "first")
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if !bytes.Equal(it.Payload, entry("one")) {
		t.Errorf("wrong payload: %s", it.Payload)
	}
	if it.Publisher != owner.Bare().String() {
		t.Errorf("wrong publisher: %s", it.Publisher)
	}
}

func TestCreateConflict(t *testing.T) {
	svc, _ := newTestService(t)
	mustCreate(t, svc, "blog", nil)
	_, err := svc.CreateNode(context.Background(), testHost, "blog", owner, "", nil)
	if got := condition(t, err); got != "conflict" {
		t.Errorf("want conflict, got %s", got)
	}
}

func TestInstantNode(t *testing.T) {
	svc, _ := newTestService(t)
	a := mustCreate(t, svc, "", nil)
	b := mustCreate(t, svc, "", nil)
	if a == "" || b == "" || a == b {
		t.Errorf("want two distinct generated paths, got %q and %q", a, b)
	}
}

func TestPublishEviction(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	cfg := form.New(form.Text("pubsub#max_items", form.Value("2")))
	mustCreate(t, svc, "capped", cfg)

	mustPublish(t, svc, "capped", owner, "a", entry("a"))
	mustPublish(t, svc, "capped", owner, "b", entry("b"))
	mustPublish(t, svc, "capped", owner, "c", entry("c"))

	items, err := svc.Items(ctx, testHost, "capped", owner, 10)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("want 2 items after eviction, got %d", len(items))
	}
	if items[0].ID != "c" || items[1].ID != "b" {
		t.Errorf("wrong survivors: %q, %q", items[0].ID, items[1].ID)
	}
	_, err = svc.Item(ctx, testHost, "capped", owner, "a")
	if got := condition(t, err); got != "item-not-found" {
		t.Errorf("want item-not-found for evicted item, got %s", got)
	}
}

func TestPublishRepublishKeepsID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "news", nil)
	mustPublish(t, svc, "news", owner, "story", entry("v1"))
	mustPublish(t, svc, "news", owner, "story", entry("v2"))

	items, err := svc.Items(ctx, testHost, "news", owner, 0)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("want 1 item, got %d", len(items))
	}
	if !bytes.Equal(items[0].Payload, entry("v2")) {
		t.Errorf("republish did not overwrite: %s", items[0].Payload)
	}
}

func TestPublishPayloadRules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "strict", form.New(
		form.Text("pubsub#type", form.Value("http://www.w3.org/2005/Atom")),
		form.Text("pubsub#max_payload_size", form.Value("64")),
	))

	_, err := svc.Publish(ctx, testHost, "strict", owner, "", nil)
	if got := condition(t, err); got != "bad-request" {
		t.Errorf("missing payload: want bad-request, got %s", got)
	}

	_, err = svc.Publish(ctx, testHost, "strict", owner, "", []byte(`<wrong xmlns="urn:other"/>`))
	if got := condition(t, err); got != "bad-request" {
		t.Errorf("wrong namespace: want bad-request, got %s", got)
	}

	big := entry(strings.Repeat("x", 100))
	_, err = svc.Publish(ctx, testHost, "strict", owner, "", big)
	psErr, ok := err.(*Error)
	if !ok || psErr.PubSub != "payload-too-big" {
		t.Errorf("oversized payload: want payload-too-big, got %v", err)
	}
}

func TestPublishPermission(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "closed", nil)

	_, err := svc.Publish(ctx, testHost, "closed", stranger, "", entry("x"))
	if got := condition(t, err); got != "forbidden" {
		t.Errorf("want forbidden, got %s", got)
	}

	err = svc.SetAffiliations(ctx, testHost, "closed", owner, []AffiliationEntry{
		{Entity: stranger.Bare().String(), Affiliation: AffiliationPublisher},
	})
	if err != nil {
		t.Fatalf("set affiliations: %v", err)
	}
	mustPublish(t, svc, "closed", stranger, "", entry("x"))
}

func TestSubscribeAndNotify(t *testing.T) {
	svc, rr := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "princely_musings", nil)

	sub, err := svc.Subscribe(ctx, testHost, "princely_musings", subscriber, subscriber, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.State != SubStateSubscribed {
		t.Fatalf("want subscribed, got %s", sub.State)
	}
	rr.reset()

	mustPublish(t, svc, "princely_musings", owner, "hail", entry("to the prince"))
	got := rr.to(subscriber)
	if len(got) != 1 {
		t.Fatalf("want 1 notification, got %d", len(got))
	}
	st := got[0]
	if st.Kind != router.Message || st.Type != "headline" {
		t.Errorf("wrong stanza header: kind=%s type=%s", st.Kind, st.Type)
	}
	inner := string(st.InnerXML)
	if !strings.Contains(inner, `node="princely_musings"`) || !strings.Contains(inner, `id="hail"`) {
		t.Errorf("wrong event payload: %s", inner)
	}
	if !strings.Contains(inner, "to the prince") {
		t.Errorf("payload missing from notification: %s", inner)
	}
	if !st.From.Equal(jid.MustParse(testHost)) {
		t.Errorf("wrong sender: %s", st.From)
	}
}

func TestSubscribeMismatchedJID(t *testing.T) {
	svc, _ := newTestService(t)
	mustCreate(t, svc, "blog", nil)
	_, err := svc.Subscribe(context.Background(), testHost, "blog", stranger, subscriber, nil)
	if got := condition(t, err); got != "bad-request" {
		t.Errorf("want bad-request, got %s", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	svc, rr := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "blog", nil)
	sub, err := svc.Subscribe(ctx, testHost, "blog", subscriber, subscriber, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	err = svc.Unsubscribe(ctx, testHost, "blog", subscriber, subscriber, sub.SubID)
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	rr.reset()
	mustPublish(t, svc, "blog", owner, "", entry("x"))
	if got := rr.to(subscriber); len(got) != 0 {
		t.Errorf("want no notification after unsubscribe, got %d", len(got))
	}
}

func TestAccessModels(t *testing.T) {
	tests := []struct {
		model     string
		wantState SubState
		wantCond  string
	}{
		{model: "open", wantState: SubStateSubscribed},
		{model: "authorize", wantState: SubStatePending},
		{model: "whitelist", wantCond: "not-allowed"},
		{model: "presence", wantCond: "not-authorized"},
		{model: "roster", wantCond: "not-authorized"},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			svc, _ := newTestService(t)
			cfg := form.New(form.List("pubsub#access_model", form.Value(tc.model)))
			mustCreate(t, svc, "gated", cfg)

			sub, err := svc.Subscribe(context.Background(), testHost, "gated", stranger, stranger, nil)
			if tc.wantCond != "" {
				if got := condition(t, err); got != tc.wantCond {
					t.Fatalf("want %s, got %s", tc.wantCond, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			if sub.State != tc.wantState {
				t.Errorf("want state %s, got %s", tc.wantState, sub.State)
			}
		})
	}
}

type stubRoster struct {
	subscribed bool
	groups     []string
}

func (s stubRoster) HasPresenceSubscription(_, _ jid.JID) (bool, error) {
	return s.subscribed, nil
}

func (s stubRoster) RosterGroups(_, _ jid.JID) ([]string, error) {
	return s.groups, nil
}

func TestPresenceAccessWithRoster(t *testing.T) {
	svc, _ := newTestService(t, WithRoster(stubRoster{subscribed: true, groups: []string{"Friends"}}))
	ctx := context.Background()
	mustCreate(t, svc, "presence-gated", form.New(
		form.List("pubsub#access_model", form.Value("presence")),
	))
	sub, err := svc.Subscribe(ctx, testHost, "presence-gated", subscriber, subscriber, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.State != SubStateSubscribed {
		t.Errorf("want subscribed, got %s", sub.State)
	}

	mustCreate(t, svc, "roster-gated", form.New(
		form.List("pubsub#access_model", form.Value("roster")),
		form.ListMulti("pubsub#roster_groups_allowed", form.Value("Family")),
	))
	_, err = svc.Subscribe(ctx, testHost, "roster-gated", subscriber, subscriber, nil)
	if got := condition(t, err); got != "not-authorized" {
		t.Errorf("wrong group: want not-authorized, got %s", got)
	}
}

func TestAuthorizeWorkflow(t *testing.T) {
	svc, rr := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "moderated", form.New(
		form.List("pubsub#access_model", form.Value("authorize")),
	))

	sub, err := svc.Subscribe(ctx, testHost, "moderated", subscriber, subscriber, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.State != SubStatePending {
		t.Fatalf("want pending, got %s", sub.State)
	}
	requests := rr.to(owner)
	if len(requests) != 1 {
		t.Fatalf("want 1 authorization request to the owner, got %d", len(requests))
	}
	if !strings.Contains(string(requests[0].InnerXML), "pubsub#subscriber_jid") {
		t.Errorf("authorization form missing subscriber field: %s", requests[0].InnerXML)
	}

	// Pending subscribers get nothing yet.
	rr.reset()
	mustPublish(t, svc, "moderated", owner, "", entry("secret"))
	if got := rr.to(subscriber); len(got) != 0 {
		t.Fatalf("pending subscriber must not receive items, got %d", len(got))
	}

	if err := svc.Authorize(ctx, testHost, "moderated", owner, subscriber, true); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	notices := rr.to(subscriber)
	if len(notices) == 0 {
		t.Fatal("want a subscription change notice after approval")
	}
	if !strings.Contains(string(notices[0].InnerXML), `subscription="subscribed"`) {
		t.Errorf("wrong notice: %s", notices[0].InnerXML)
	}

	rr.reset()
	mustPublish(t, svc, "moderated", owner, "", entry("public"))
	if got := rr.to(subscriber); len(got) != 1 {
		t.Errorf("approved subscriber should receive items, got %d", len(got))
	}
}

func TestSubscriberOutcast(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "blog", nil)
	err := svc.SetAffiliations(ctx, testHost, "blog", owner, []AffiliationEntry{
		{Entity: stranger.Bare().String(), Affiliation: AffiliationOutcast},
	})
	if err != nil {
		t.Fatalf("set affiliations: %v", err)
	}
	_, err = svc.Subscribe(ctx, testHost, "blog", stranger, stranger, nil)
	if got := condition(t, err); got != "forbidden" {
		t.Errorf("want forbidden, got %s", got)
	}
	_, err = svc.Items(ctx, testHost, "blog", stranger, 0)
	if got := condition(t, err); got != "forbidden" {
		t.Errorf("want forbidden on retrieval, got %s", got)
	}
}

func TestLastOwnerProtected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "blog", nil)
	err := svc.SetAffiliations(ctx, testHost, "blog", owner, []AffiliationEntry{
		{Entity: owner.Bare().String(), Affiliation: AffiliationNone},
	})
	if err == nil {
		t.Fatal("removing the last owner must fail")
	}
	affs, err := svc.Affiliations(ctx, testHost, "blog", owner)
	if err != nil {
		t.Fatalf("affiliations: %v", err)
	}
	if len(affs) != 1 || affs[0].Affiliation != AffiliationOwner {
		t.Errorf("owner affiliation lost: %v", affs)
	}
}

func TestRetractNotifies(t *testing.T) {
	svc, rr := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "blog", nil)
	if _, err := svc.Subscribe(ctx, testHost, "blog", subscriber, subscriber, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	mustPublish(t, svc, "blog", owner, "gone", entry("x"))
	rr.reset()

	if err := svc.Retract(ctx, testHost, "blog", owner, "gone", false); err != nil {
		t.Fatalf("retract: %v", err)
	}
	got := rr.to(subscriber)
	if len(got) != 1 {
		t.Fatalf("want 1 retract notification, got %d", len(got))
	}
	if !strings.Contains(string(got[0].InnerXML), `<retract id="gone"/>`) {
		t.Errorf("wrong retract payload: %s", got[0].InnerXML)
	}

	err := svc.Retract(ctx, testHost, "blog", owner, "gone", false)
	if got := condition(t, err); got != "item-not-found" {
		t.Errorf("want item-not-found, got %s", got)
	}
}

func TestPurgeAndDelete(t *testing.T) {
	svc, rr := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "blog", nil)
	if _, err := svc.Subscribe(ctx, testHost, "blog", subscriber, subscriber, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	mustPublish(t, svc, "blog", owner, "a", entry("a"))

	if err := svc.Purge(ctx, testHost, "blog", stranger); err == nil {
		t.Fatal("purge by non-owner must fail")
	}
	if err := svc.Purge(ctx, testHost, "blog", owner); err != nil {
		t.Fatalf("purge: %v", err)
	}
	items, err := svc.Items(ctx, testHost, "blog", owner, 0)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("want no items after purge, got %d", len(items))
	}

	rr.reset()
	if err := svc.Delete(ctx, testHost, "blog", owner); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got := rr.to(subscriber)
	if len(got) != 1 || !strings.Contains(string(got[0].InnerXML), "<delete") {
		t.Errorf("want a delete notification, got %v", got)
	}
	_, err = svc.Items(ctx, testHost, "blog", owner, 0)
	if got := condition(t, err); got != "item-not-found" {
		t.Errorf("want item-not-found after delete, got %s", got)
	}
}

func TestDeleteCascades(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "root", nil)
	mustCreate(t, svc, "leaf", form.New(
		form.ListMulti("pubsub#collection", form.Value("root")),
	))
	if err := svc.Delete(ctx, testHost, "root", owner); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err := svc.Items(ctx, testHost, "leaf", owner, 0)
	if got := condition(t, err); got != "item-not-found" {
		t.Errorf("child should be gone, got %s", got)
	}
}

func TestCollectionNotificationDepth(t *testing.T) {
	svc, rr := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "root", nil)
	mustCreate(t, svc, "mid", form.New(form.ListMulti("pubsub#collection", form.Value("root"))))
	mustCreate(t, svc, "leaf", form.New(form.ListMulti("pubsub#collection", form.Value("mid"))))

	if _, err := svc.Subscribe(ctx, testHost, "root", subscriber, subscriber, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	rr.reset()

	// Depth defaults to 1: events from "mid" arrive, events from "leaf" do
	// not.
	mustPublish(t, svc, "mid", owner, "near", entry("near"))
	if got := rr.to(subscriber); len(got) != 1 {
		t.Fatalf("want notification from direct child, got %d", len(got))
	}
	if !strings.Contains(string(rr.to(subscriber)[0].InnerXML), `<header name="Collection">root</header>`) {
		t.Errorf("missing Collection SHIM header: %s", rr.to(subscriber)[0].InnerXML)
	}
	rr.reset()
	mustPublish(t, svc, "leaf", owner, "far", entry("far"))
	if got := rr.to(subscriber); len(got) != 0 {
		t.Errorf("want no notification beyond depth 1, got %d", len(got))
	}
}

func TestSubscriptionOptionsFilterDelivery(t *testing.T) {
	svc, rr := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "blog", nil)

	opts := form.New(form.Boolean("pubsub#deliver", form.Value("false")))
	if _, err := svc.Subscribe(ctx, testHost, "blog", subscriber, subscriber, opts); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	rr.reset()
	mustPublish(t, svc, "blog", owner, "", entry("x"))
	if got := rr.to(subscriber); len(got) != 0 {
		t.Errorf("deliver=false subscription must not receive items, got %d", len(got))
	}
}

func TestSetSubscriptionsNotifies(t *testing.T) {
	svc, rr := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "blog", nil)
	rr.reset()

	err := svc.SetSubscriptions(ctx, testHost, "blog", owner, []Subscription{
		{Entity: subscriber.Bare().String(), State: SubStateSubscribed},
	})
	if err != nil {
		t.Fatalf("set subscriptions: %v", err)
	}
	got := rr.to(subscriber)
	if len(got) != 1 {
		t.Fatalf("want 1 change notice, got %d", len(got))
	}
	inner := string(got[0].InnerXML)
	if !strings.Contains(inner, `subscription="subscribed"`) {
		t.Errorf("wrong notice: %s", inner)
	}
	if strings.Contains(inner, "subsription") {
		t.Errorf("legacy attribute emitted without the compatibility flag: %s", inner)
	}
}

func TestLegacySubscriptionAttr(t *testing.T) {
	svc, rr := newTestService(t, WithConfig(HostConfig{LegacySubAttr: true}))
	ctx := context.Background()
	mustCreate(t, svc, "blog", nil)
	rr.reset()

	err := svc.SetSubscriptions(ctx, testHost, "blog", owner, []Subscription{
		{Entity: subscriber.Bare().String(), State: SubStateSubscribed},
	})
	if err != nil {
		t.Fatalf("set subscriptions: %v", err)
	}
	got := rr.to(subscriber)
	if len(got) != 1 {
		t.Fatalf("want 1 change notice, got %d", len(got))
	}
	inner := string(got[0].InnerXML)
	if !strings.Contains(inner, `subscription="subscribed"`) || !strings.Contains(inner, `subsription="subscribed"`) {
		t.Errorf("want both spellings with the compatibility flag: %s", inner)
	}
}

func TestConfigureNotifies(t *testing.T) {
	svc, rr := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "blog", form.New(
		form.Boolean("pubsub#notify_config", form.Value("true")),
	))
	if _, err := svc.Subscribe(ctx, testHost, "blog", subscriber, subscriber, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	rr.reset()

	err := svc.Configure(ctx, testHost, "blog", owner, form.New(
		form.Text("pubsub#title", form.Value("Renamed")),
	))
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	got := rr.to(subscriber)
	if len(got) != 1 || !strings.Contains(string(got[0].InnerXML), "<configuration") {
		t.Errorf("want a configuration notification, got %v", got)
	}

	data, err := svc.ConfigForm(ctx, testHost, "blog", owner)
	if err != nil {
		t.Fatalf("config form: %v", err)
	}
	if v, ok := data.GetString("pubsub#title"); !ok || v != "Renamed" {
		t.Errorf("config form missing new title: %q, %t", v, ok)
	}

	err = svc.Configure(ctx, testHost, "blog", stranger, nil)
	if got := condition(t, err); got != "forbidden" {
		t.Errorf("non-owner configure: want forbidden, got %s", got)
	}
}

func TestUnknownNode(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Items(ctx, testHost, "no-such-node", owner, 0)
	if got := condition(t, err); got != "item-not-found" {
		t.Errorf("want item-not-found, got %s", got)
	}
	_, err = svc.Subscribe(ctx, testHost, "no-such-node", subscriber, subscriber, nil)
	if got := condition(t, err); got != "item-not-found" {
		t.Errorf("want item-not-found, got %s", got)
	}
}

func TestClosedService(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Close()
	_, err := svc.Items(context.Background(), testHost, "blog", owner, 0)
	if err != ErrClosed {
		t.Errorf("want ErrClosed, got %v", err)
	}
}
