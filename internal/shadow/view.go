package shadow

import (
	"time"

	"github.com/prite36/irrigation-shadow/internal/protocol"
)

// Sources of a presentation view.
const (
	SourceShadow    = "shadow"
	SourcePersisted = "persisted"
	SourceUnknown   = "unknown"
)

// ReasonNeverSeen is reported for devices with neither a shadow nor a
// persisted row.
const ReasonNeverSeen = "never seen"

// View is the presentation of a device's state served to the web layer.
type View struct {
	DeviceID      string                  `json:"device_id"`
	Status        protocol.WateringStatus `json:"status"`
	RemainingS    *int                    `json:"remaining_s,omitempty"`
	IsOnline      bool                    `json:"is_online"`
	LastSeen      string                  `json:"last_seen,omitempty"`
	Source        string                  `json:"source"`
	Reason        string                  `json:"reason,omitempty"`
	DurationS     *int                    `json:"duration_s,omitempty"`
	StartedAt     *protocol.Timestamp     `json:"started_at,omitempty"`
	CorrelationID string                  `json:"correlation_id,omitempty"`
	FW            string                  `json:"fw,omitempty"`
	FWVersion     string                  `json:"fw_version,omitempty"`
	FWName        string                  `json:"fw_name,omitempty"`
	FWBuild       string                  `json:"fw_build,omitempty"`
}

// BuildView derives the presentation of snap as received at seenAt.
//
// RemainingS is only set while running with both duration and start time
// known. A device that stays running past its deadline reports 0; completion
// is never inferred.
func BuildView(deviceID string, snap protocol.StateSnapshot, seenAt, now time.Time, onlineThreshold time.Duration, source string) View {
	snap = snap.Clone()
	mw := snap.ManualWatering

	v := View{
		DeviceID:      deviceID,
		Status:        mw.Status,
		IsOnline:      now.Sub(seenAt) <= onlineThreshold,
		LastSeen:      seenAt.UTC().Truncate(time.Second).Format(time.RFC3339),
		Source:        source,
		CorrelationID: mw.CorrelationID,
		FW:            snap.FW,
		FWVersion:     snap.FWVersion,
		FWName:        snap.FWName,
		FWBuild:       snap.FWBuild,
	}

	if mw.Status == protocol.StatusRunning {
		v.DurationS = mw.DurationS
		v.StartedAt = mw.StartedAt

		if mw.DurationS != nil && mw.StartedAt != nil {
			elapsed := int(now.Sub(mw.StartedAt.Time) / time.Second)
			if elapsed < 0 {
				elapsed = 0
			}

			v.RemainingS = protocol.IntPtr(max(0, *mw.DurationS-elapsed))
		}
	}

	return v
}

// UnknownView is served for a device that has never reported.
func UnknownView(deviceID string) View {
	return View{
		DeviceID: deviceID,
		Status:   protocol.StatusIdle,
		IsOnline: false,
		Source:   SourceUnknown,
		Reason:   ReasonNeverSeen,
	}
}
