// Package control implements the request/response control surface over the
// eviction engine. Every request is one variant of the Request union and is
// answered with a models.Response envelope.
package control

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/use-agent/tabsleep/config"
	"github.com/use-agent/tabsleep/models"
)

// Action names accepted by Decode.
const (
	ActionUpdateSettings     = "updateSettings"
	ActionGetStats           = "getStats"
	ActionForceEvictionCycle = "forceEvictionCycle"
	ActionResetStats         = "resetStats"
	ActionAddOverride        = "addOverride"
	ActionRemoveOverride     = "removeOverride"
	ActionGetOverrides       = "getOverrides"
	ActionExportSnapshot     = "exportSnapshot"
	ActionImportSnapshot     = "importSnapshot"
	ActionWakeHandle         = "wakeHandle"
	ActionWakeAll            = "wakeAll"
)

// Request is a control-surface operation.
type Request interface {
	Action() string
	isRequest()
}

type UpdateSettings struct {
	Patch config.Patch
}

type GetStats struct{}

type ForceEvictionCycle struct{}

type ResetStats struct{}

type AddOverride struct {
	List   string `json:"list"`
	Domain string `json:"domain"`
}

type RemoveOverride struct {
	List   string `json:"list"`
	Domain string `json:"domain"`
}

type GetOverrides struct{}

type ExportSnapshot struct{}

type ImportSnapshot struct {
	Snapshot Snapshot
}

// WakeHandle reloads one handle. An empty ID targets the foreground handle.
type WakeHandle struct {
	ID string `json:"id"`
}

type WakeAll struct{}

func (UpdateSettings) Action() string     { return ActionUpdateSettings }
func (GetStats) Action() string           { return ActionGetStats }
func (ForceEvictionCycle) Action() string { return ActionForceEvictionCycle }
func (ResetStats) Action() string         { return ActionResetStats }
func (AddOverride) Action() string        { return ActionAddOverride }
func (RemoveOverride) Action() string     { return ActionRemoveOverride }
func (GetOverrides) Action() string       { return ActionGetOverrides }
func (ExportSnapshot) Action() string     { return ActionExportSnapshot }
func (ImportSnapshot) Action() string     { return ActionImportSnapshot }
func (WakeHandle) Action() string         { return ActionWakeHandle }
func (WakeAll) Action() string            { return ActionWakeAll }

func (UpdateSettings) isRequest()     {}
func (GetStats) isRequest()           {}
func (ForceEvictionCycle) isRequest() {}
func (ResetStats) isRequest()         {}
func (AddOverride) isRequest()        {}
func (RemoveOverride) isRequest()     {}
func (GetOverrides) isRequest()       {}
func (ExportSnapshot) isRequest()     {}
func (ImportSnapshot) isRequest()     {}
func (WakeHandle) isRequest()         {}
func (WakeAll) isRequest()            {}

// Decode builds the Request variant named by action from its JSON payload.
// Unknown actions yield an UNKNOWN_OPERATION error.
func Decode(action string, payload json.RawMessage) (Request, error) {
	switch action {
	case ActionUpdateSettings:
		var p config.Patch
		if err := decodeInto(payload, &p); err != nil {
			return nil, err
		}
		return UpdateSettings{Patch: p}, nil
	case ActionGetStats:
		return GetStats{}, nil
	case ActionForceEvictionCycle:
		return ForceEvictionCycle{}, nil
	case ActionResetStats:
		return ResetStats{}, nil
	case ActionAddOverride:
		var r AddOverride
		if err := decodeInto(payload, &r); err != nil {
			return nil, err
		}
		return r, nil
	case ActionRemoveOverride:
		var r RemoveOverride
		if err := decodeInto(payload, &r); err != nil {
			return nil, err
		}
		return r, nil
	case ActionGetOverrides:
		return GetOverrides{}, nil
	case ActionExportSnapshot:
		return ExportSnapshot{}, nil
	case ActionImportSnapshot:
		var s Snapshot
		if err := decodeInto(payload, &s); err != nil {
			return nil, models.NewEngineError(models.ErrCodePolicyImport, "malformed snapshot", err)
		}
		return ImportSnapshot{Snapshot: s}, nil
	case ActionWakeHandle:
		var r WakeHandle
		if err := decodeInto(payload, &r); err != nil {
			return nil, err
		}
		return r, nil
	case ActionWakeAll:
		return WakeAll{}, nil
	}
	return nil, models.NewEngineError(models.ErrCodeUnknownOperation,
		fmt.Sprintf("unknown operation %q", action), nil)
}

func decodeInto(payload json.RawMessage, v any) error {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return models.NewEngineError(models.ErrCodeInvalidInput, "invalid payload", err)
	}
	return nil
}
