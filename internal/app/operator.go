package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"okx-carry-unwind/internal/alerts"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID      int64     `json:"update_id"`
	Time          time.Time `json:"time"`
	Action        string    `json:"action"`
	Command       string    `json:"command"`
	UserID        int64     `json:"user_id"`
	Username      string    `json:"username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Coin          string    `json:"coin,omitempty"`
	RunningBefore bool      `json:"running_before"`
	StopAccepted  bool      `json:"stop_accepted"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.operator == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.operator.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.operator.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

// parseOperatorCommand returns the lowercased command name. Trailing words
// are ignored.
func parseOperatorCommand(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address commands as /stop@botname.
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "progress":
		return a.operatorProgress(ctx)
	case "stop":
		engine := a.currentEngine()
		event := operatorAuditEvent{
			UpdateID: meta.UpdateID,
			Time:     time.Now().UTC(),
			Action:   "stop",
			Command:  meta.Raw,
			UserID:   meta.UserID,
			Username: meta.Username,
			ChatID:   meta.ChatID,
		}
		if engine != nil {
			event.Coin = engine.Status().Coin
			event.RunningBefore = engine.Running()
		}
		event.StopAccepted = a.Stop()
		a.auditOperatorEvent(ctx, event)
		if event.StopAccepted {
			return "stop requested, finishing current round", nil
		}
		return "nothing running", nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) operatorStatus() string {
	engine := a.currentEngine()
	if engine == nil {
		return "status: idle"
	}
	snap := engine.Status()
	return strings.Join([]string{
		fmt.Sprintf("op: %s %s", snap.Kind, snap.Coin),
		fmt.Sprintf("status: %s", snap.Status),
		fmt.Sprintf("remaining: %.6f", snap.Remaining),
		fmt.Sprintf("threshold: %.6f (confirmations %d)", snap.Threshold, snap.Counter),
		fmt.Sprintf("rounds: %d", snap.Rounds),
		fmt.Sprintf("filled_base: %.6f", snap.Totals.FilledBaseSum),
		fmt.Sprintf("usdt_released: %.4f", snap.Totals.USDTReleased),
		fmt.Sprintf("fees: %.6f", snap.Totals.FeeTotal),
		fmt.Sprintf("updated_at: %s", snap.UpdatedAt.Format(time.RFC3339)),
	}, "\n")
}

func (a *App) operatorProgress(ctx context.Context) (string, error) {
	records, err := a.InFlight(ctx)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "no operations in flight", nil
	}
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		lines = append(lines, fmt.Sprintf("%s %s %s remaining=%.6f started=%s",
			rec.Account, rec.Kind, rec.Instrument, rec.Remaining,
			time.UnixMilli(rec.StartedAtMS).UTC().Format(time.RFC3339)))
	}
	return strings.Join(lines, "\n"), nil
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - current operation",
		"/progress - persisted in-flight operations",
		"/stop - stop after the current round",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.log == nil {
		return
	}
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
