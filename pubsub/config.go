// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"fmt"
	"strconv"
	"strings"

	"mellium.im/xmpp/form"
)

// AccessModel controls who may subscribe to and retrieve items from a node.
type AccessModel string

// The access models defined by XEP-0060.
const (
	AccessOpen      AccessModel = "open"
	AccessPresence  AccessModel = "presence"
	AccessRoster    AccessModel = "roster"
	AccessAuthorize AccessModel = "authorize"
	AccessWhitelist AccessModel = "whitelist"
)

// PublishModel controls who may publish to a node.
type PublishModel string

// The publish models defined by XEP-0060.
const (
	PublishOpen        PublishModel = "open"
	PublishPublishers  PublishModel = "publishers"
	PublishSubscribers PublishModel = "subscribers"
)

// SendLast controls when the most recent item is pushed to subscribers.
type SendLast string

// Send-last policies.
const (
	SendLastNever          SendLast = "never"
	SendLastOnSub          SendLast = "on_sub"
	SendLastOnSubPresence  SendLast = "on_sub_and_presence"
)

// NodeOptions is the parsed node configuration. Field names correspond to
// the pubsub#<key> form fields of XEP-0060 §16.4.
type NodeOptions struct {
	DeliverPayloads       bool
	DeliverNotifications  bool
	NotifyConfig          bool
	NotifyDelete          bool
	NotifyRetract         bool
	NotifySub             bool
	PersistItems          bool
	MaxItems              int
	Subscribe             bool
	AccessModel           AccessModel
	RosterGroupsAllowed   []string
	PublishModel          PublishModel
	PurgeOffline          bool
	NotificationType      string // headline or normal
	MaxPayloadSize        int
	SendLastPublishedItem SendLast
	PresenceBasedDelivery bool
	Collection            []string
	Type                  string
	Title                 string
	BodyXSLT              string
}

// defaultOptions returns the base defaults shared by all plugins. maxItems
// comes from the host configuration.
func defaultOptions(maxItems int) NodeOptions {
	return NodeOptions{
		DeliverPayloads:       true,
		DeliverNotifications:  true,
		NotifyConfig:          false,
		NotifyDelete:          false,
		NotifyRetract:         true,
		NotifySub:             false,
		PersistItems:          true,
		MaxItems:              maxItems,
		Subscribe:             true,
		AccessModel:           AccessOpen,
		PublishModel:          PublishPublishers,
		NotificationType:      "headline",
		MaxPayloadSize:        60000,
		SendLastPublishedItem: SendLastNever,
	}
}

func parseOptBool(key, v string) (bool, error) {
	switch v {
	case "1", "true":
		return true, nil
	case "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("%s: invalid boolean %q", key, v)
}

// apply overlays raw form values onto the options. Unknown keys are ignored
// per XEP-0060; invalid values are rejected so the caller can answer
// not-acceptable.
func (o *NodeOptions) apply(values map[string][]string) error {
	for key, vals := range values {
		v := ""
		if len(vals) > 0 {
			v = vals[0]
		}
		var err error
		switch strings.TrimPrefix(key, "pubsub#") {
		case "deliver_payloads":
			o.DeliverPayloads, err = parseOptBool(key, v)
		case "deliver_notifications":
			o.DeliverNotifications, err = parseOptBool(key, v)
		case "notify_config":
			o.NotifyConfig, err = parseOptBool(key, v)
		case "notify_delete":
			o.NotifyDelete, err = parseOptBool(key, v)
		case "notify_retract":
			o.NotifyRetract, err = parseOptBool(key, v)
		case "notify_sub":
			o.NotifySub, err = parseOptBool(key, v)
		case "persist_items":
			o.PersistItems, err = parseOptBool(key, v)
		case "max_items":
			o.MaxItems, err = strconv.Atoi(v)
			if err == nil && o.MaxItems < 0 {
				err = fmt.Errorf("%s: negative value", key)
			}
		case "subscribe":
			o.Subscribe, err = parseOptBool(key, v)
		case "access_model":
			switch AccessModel(v) {
			case AccessOpen, AccessPresence, AccessRoster, AccessAuthorize, AccessWhitelist:
				o.AccessModel = AccessModel(v)
			default:
				err = fmt.Errorf("%s: unknown access model %q", key, v)
			}
		case "roster_groups_allowed":
			o.RosterGroupsAllowed = append([]string(nil), vals...)
		case "publish_model":
			switch PublishModel(v) {
			case PublishOpen, PublishPublishers, PublishSubscribers:
				o.PublishModel = PublishModel(v)
			default:
				err = fmt.Errorf("%s: unknown publish model %q", key, v)
			}
		case "purge_offline":
			o.PurgeOffline, err = parseOptBool(key, v)
		case "notification_type":
			if v != "headline" && v != "normal" {
				err = fmt.Errorf("%s: invalid message type %q", key, v)
				break
			}
			o.NotificationType = v
		case "max_payload_size":
			o.MaxPayloadSize, err = strconv.Atoi(v)
		case "send_last_published_item":
			switch SendLast(v) {
			case SendLastNever, SendLastOnSub, SendLastOnSubPresence:
				o.SendLastPublishedItem = SendLast(v)
			default:
				err = fmt.Errorf("%s: unknown policy %q", key, v)
			}
		case "presence_based_delivery":
			o.PresenceBasedDelivery, err = parseOptBool(key, v)
		case "collection":
			o.Collection = append([]string(nil), vals...)
		case "type":
			o.Type = v
		case "title":
			o.Title = v
		case "body_xslt":
			o.BodyXSLT = v
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func boolVal(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// values serializes the options for storage.
func (o *NodeOptions) values() map[string][]string {
	out := map[string][]string{
		"pubsub#deliver_payloads":         {boolVal(o.DeliverPayloads)},
		"pubsub#deliver_notifications":    {boolVal(o.DeliverNotifications)},
		"pubsub#notify_config":            {boolVal(o.NotifyConfig)},
		"pubsub#notify_delete":            {boolVal(o.NotifyDelete)},
		"pubsub#notify_retract":           {boolVal(o.NotifyRetract)},
		"pubsub#notify_sub":               {boolVal(o.NotifySub)},
		"pubsub#persist_items":            {boolVal(o.PersistItems)},
		"pubsub#max_items":                {strconv.Itoa(o.MaxItems)},
		"pubsub#subscribe":                {boolVal(o.Subscribe)},
		"pubsub#access_model":             {string(o.AccessModel)},
		"pubsub#publish_model":            {string(o.PublishModel)},
		"pubsub#purge_offline":            {boolVal(o.PurgeOffline)},
		"pubsub#notification_type":        {o.NotificationType},
		"pubsub#max_payload_size":         {strconv.Itoa(o.MaxPayloadSize)},
		"pubsub#send_last_published_item": {string(o.SendLastPublishedItem)},
		"pubsub#presence_based_delivery":  {boolVal(o.PresenceBasedDelivery)},
	}
	if len(o.RosterGroupsAllowed) > 0 {
		out["pubsub#roster_groups_allowed"] = append([]string(nil), o.RosterGroupsAllowed...)
	}
	if len(o.Collection) > 0 {
		out["pubsub#collection"] = append([]string(nil), o.Collection...)
	}
	if o.Type != "" {
		out["pubsub#type"] = []string{o.Type}
	}
	if o.Title != "" {
		out["pubsub#title"] = []string{o.Title}
	}
	if o.BodyXSLT != "" {
		out["pubsub#body_xslt"] = []string{o.BodyXSLT}
	}
	return out
}

// Form builds the node configuration data form with the options as current
// values, for the owner configuration protocol.
func (o *NodeOptions) Form() *form.Data {
	listOpts := func(vals []string) []form.Option {
		opts := make([]form.Option, 0, len(vals))
		for _, v := range vals {
			opts = append(opts, form.Value(v))
		}
		return opts
	}
	return form.New(
		form.Title("Node configuration"),
		form.Hidden("FORM_TYPE", form.Value(NSNodeConfig)),
		form.Boolean("pubsub#deliver_payloads", form.Label("Deliver payloads with event notifications"), form.Value(boolVal(o.DeliverPayloads))),
		form.Boolean("pubsub#deliver_notifications", form.Label("Deliver event notifications"), form.Value(boolVal(o.DeliverNotifications))),
		form.Boolean("pubsub#notify_config", form.Label("Notify subscribers when the node configuration changes"), form.Value(boolVal(o.NotifyConfig))),
		form.Boolean("pubsub#notify_delete", form.Label("Notify subscribers when the node is deleted"), form.Value(boolVal(o.NotifyDelete))),
		form.Boolean("pubsub#notify_retract", form.Label("Notify subscribers when items are removed from the node"), form.Value(boolVal(o.NotifyRetract))),
		form.Boolean("pubsub#notify_sub", form.Label("Notify owners about new subscribers"), form.Value(boolVal(o.NotifySub))),
		form.Boolean("pubsub#persist_items", form.Label("Persist items to storage"), form.Value(boolVal(o.PersistItems))),
		form.Text("pubsub#max_items", form.Label("Max number of items to persist"), form.Value(strconv.Itoa(o.MaxItems))),
		form.Boolean("pubsub#subscribe", form.Label("Whether to allow subscriptions"), form.Value(boolVal(o.Subscribe))),
		form.List("pubsub#access_model", form.Label("Who may subscribe and retrieve items"),
			form.ListItem("Open", string(AccessOpen)),
			form.ListItem("Presence", string(AccessPresence)),
			form.ListItem("Roster", string(AccessRoster)),
			form.ListItem("Authorize", string(AccessAuthorize)),
			form.ListItem("Whitelist", string(AccessWhitelist)),
			form.Value(string(o.AccessModel)),
		),
		form.ListMulti("pubsub#roster_groups_allowed", append([]form.Option{form.Label("Roster groups allowed to subscribe")}, listOpts(o.RosterGroupsAllowed)...)...),
		form.List("pubsub#publish_model", form.Label("Who may publish"),
			form.ListItem("Publishers", string(PublishPublishers)),
			form.ListItem("Subscribers", string(PublishSubscribers)),
			form.ListItem("Open", string(PublishOpen)),
			form.Value(string(o.PublishModel)),
		),
		form.Boolean("pubsub#purge_offline", form.Label("Purge all items when the relevant publisher goes offline"), form.Value(boolVal(o.PurgeOffline))),
		form.List("pubsub#notification_type", form.Label("Notification message type"),
			form.ListItem("Headline", "headline"),
			form.ListItem("Normal", "normal"),
			form.Value(o.NotificationType),
		),
		form.Text("pubsub#max_payload_size", form.Label("Max payload size in bytes"), form.Value(strconv.Itoa(o.MaxPayloadSize))),
		form.List("pubsub#send_last_published_item", form.Label("When to send the last published item"),
			form.ListItem("Never", string(SendLastNever)),
			form.ListItem("On subscription", string(SendLastOnSub)),
			form.ListItem("On subscription and presence", string(SendLastOnSubPresence)),
			form.Value(string(o.SendLastPublishedItem)),
		),
		form.Boolean("pubsub#presence_based_delivery", form.Label("Deliver notifications only to available users"), form.Value(boolVal(o.PresenceBasedDelivery))),
		form.ListMulti("pubsub#collection", append([]form.Option{form.Label("Collections the node belongs to")}, listOpts(o.Collection)...)...),
		form.Text("pubsub#type", form.Label("Payload namespace"), form.Value(o.Type)),
		form.Text("pubsub#title", form.Label("A friendly name for the node"), form.Value(o.Title)),
		form.Text("pubsub#body_xslt", form.Label("XSL transform for generating message bodies"), form.Value(o.BodyXSLT)),
	)
}

// formValues extracts the raw field values from a submitted data form.
func formValues(data *form.Data) map[string][]string {
	if data == nil {
		return nil
	}
	out := make(map[string][]string)
	data.ForFields(func(f form.FieldData) {
		switch f.Type {
		case form.TypeBoolean:
			if v, ok := data.GetBool(f.Var); ok {
				out[f.Var] = []string{boolVal(v)}
			}
		case form.TypeListMulti, form.TypeTextMulti, form.TypeJIDMulti:
			if vs, ok := data.GetStrings(f.Var); ok {
				out[f.Var] = vs
			}
		default:
			if v, ok := data.GetString(f.Var); ok {
				out[f.Var] = []string{v}
			}
		}
	})
	delete(out, "FORM_TYPE")
	return out
}
