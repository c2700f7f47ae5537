package dispatch

import (
	"github.com/uzurihq/notify/internal/db"
)

// EffectiveChannels merges a notification's requested channels with the
// recipient's stored preference and the urgency overrides, producing the set
// of channels the dispatcher will actually attempt.
//
// Rules, in order:
//
//   - base set is requested ∩ preference.Channels
//   - a category the user is not subscribed to suppresses every external
//     channel for non-urgent notifications
//   - urgent notifications add email (if the user has email enabled at all)
//     and SMS (unless the user switched off urgent SMS) even when the
//     category is opted out; urgency overrides opt-out, never enablement
//   - in_app is mandatory and un-suppressible, so the result is never empty
//     and a notification is never silently dropped
//
// The in_app channel is always first in the returned slice; the worker
// attempts it before any external channel. Pure function, no side effects.
func EffectiveChannels(requested []string, urgency, category string, pref *db.Preference) []string {
	enabled := make(map[string]bool, len(pref.Channels))
	for _, ch := range pref.Channels {
		enabled[ch] = true
	}

	subscribed := pref.Categories == nil
	for _, c := range pref.Categories {
		if c == category {
			subscribed = true
			break
		}
	}

	effective := map[string]bool{}
	if subscribed || urgency == db.UrgencyUrgent {
		for _, ch := range requested {
			if ch != db.ChannelInApp && enabled[ch] {
				effective[ch] = true
			}
		}
	}

	if urgency == db.UrgencyUrgent {
		if enabled[db.ChannelEmail] {
			effective[db.ChannelEmail] = true
		}
		if pref.UrgentSMS {
			effective[db.ChannelSMS] = true
		}
	}

	channels := []string{db.ChannelInApp}
	for _, ch := range []string{db.ChannelEmail, db.ChannelSMS, db.ChannelPush} {
		if effective[ch] {
			channels = append(channels, ch)
		}
	}

	return channels
}
