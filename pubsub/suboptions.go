// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"mellium.im/xmpp/form"
)

// SubOptions are the delivery options of one subscription (XEP-0060
// §16.4.2).
type SubOptions struct {
	// Deliver toggles notification delivery entirely.
	Deliver bool

	// Depth is how many levels below the subscribed node events may
	// originate from and still be delivered. DepthAll disables the limit.
	Depth int

	// Type narrows delivery to item events ("items") or structural node
	// events ("nodes"). "all" delivers both.
	Type string

	// ShowValues restricts delivery to resources whose presence show state
	// is in the set. Empty means no restriction.
	ShowValues []string

	// Expire is the time the subscription lapses. Zero means never.
	Expire time.Time
}

// DepthAll is the subscription_depth value lifting the depth limit.
const DepthAll = -1

func defaultSubOptions() SubOptions {
	return SubOptions{
		Deliver: true,
		Depth:   1,
		Type:    "all",
	}
}

// matchesType reports whether the options select the given event class.
func (o SubOptions) matchesType(structural bool) bool {
	if structural {
		return o.Type == "nodes" || o.Type == "all"
	}
	return o.Type == "items" || o.Type == "all"
}

// expired reports whether the subscription lapsed at or before now.
func (o SubOptions) expired(now time.Time) bool {
	return !o.Expire.IsZero() && !now.Before(o.Expire)
}

// applySubOptions overlays raw form values onto the options. Unknown keys
// are kept for round-tripping by the caller; invalid values are rejected.
func (o *SubOptions) apply(values map[string][]string) error {
	for key, vals := range values {
		v := ""
		if len(vals) > 0 {
			v = vals[0]
		}
		var err error
		switch strings.TrimPrefix(key, "pubsub#") {
		case "deliver":
			o.Deliver, err = parseOptBool(key, v)
		case "subscription_depth":
			if v == "all" {
				o.Depth = DepthAll
				break
			}
			o.Depth, err = strconv.Atoi(v)
			if err == nil && o.Depth < 0 {
				err = fmt.Errorf("%s: negative depth", key)
			}
		case "subscription_type":
			switch v {
			case "items", "nodes", "all":
				o.Type = v
			default:
				err = fmt.Errorf("%s: unknown type %q", key, v)
			}
		case "show-values":
			o.ShowValues = nil
			for _, val := range vals {
				for _, show := range strings.Fields(val) {
					switch show {
					case "online", "away", "chat", "dnd", "xa":
						o.ShowValues = append(o.ShowValues, show)
					default:
						err = fmt.Errorf("%s: unknown show state %q", key, show)
					}
				}
			}
		case "expire":
			if v == "" || v == "presence" {
				o.Expire = time.Time{}
				break
			}
			o.Expire, err = time.Parse(time.RFC3339, v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *SubOptions) values() map[string][]string {
	depth := strconv.Itoa(o.Depth)
	if o.Depth == DepthAll {
		depth = "all"
	}
	out := map[string][]string{
		"pubsub#deliver":            {boolVal(o.Deliver)},
		"pubsub#subscription_depth": {depth},
		"pubsub#subscription_type":  {o.Type},
	}
	if len(o.ShowValues) > 0 {
		out["pubsub#show-values"] = append([]string(nil), o.ShowValues...)
	}
	if !o.Expire.IsZero() {
		out["pubsub#expire"] = []string{o.Expire.Format(time.RFC3339)}
	}
	return out
}

// Form builds the subscription options data form with the options as
// current values.
func (o *SubOptions) Form() *form.Data {
	depth := strconv.Itoa(o.Depth)
	if o.Depth == DepthAll {
		depth = "all"
	}
	showOpts := []form.Option{form.Label("Show states to deliver to")}
	for _, v := range o.ShowValues {
		showOpts = append(showOpts, form.Value(v))
	}
	showOpts = append(showOpts,
		form.ListItem("Online", "online"),
		form.ListItem("Away", "away"),
		form.ListItem("Chat", "chat"),
		form.ListItem("Do not disturb", "dnd"),
		form.ListItem("Extended away", "xa"),
	)
	expire := ""
	if !o.Expire.IsZero() {
		expire = o.Expire.Format(time.RFC3339)
	}
	return form.New(
		form.Title("Subscription options"),
		form.Hidden("FORM_TYPE", form.Value(NSOptions)),
		form.Boolean("pubsub#deliver", form.Label("Enable delivery"), form.Value(boolVal(o.Deliver))),
		form.List("pubsub#subscription_type", form.Label("Event types to receive"),
			form.ListItem("Items", "items"),
			form.ListItem("Nodes", "nodes"),
			form.ListItem("Everything", "all"),
			form.Value(o.Type),
		),
		form.Text("pubsub#subscription_depth", form.Label("Depth from subscription to receive from"), form.Value(depth)),
		form.ListMulti("pubsub#show-values", showOpts...),
		form.Text("pubsub#expire", form.Label("Expire time"), form.Value(expire)),
	)
}
