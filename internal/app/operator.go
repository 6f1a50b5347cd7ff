package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"poly-sniper/internal/notify"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

// startOperator launches the telegram command loop when enabled. Commands:
// /status, /pause, /resume, /help.
func (a *App) startOperator(ctx context.Context) {
	if !a.cfg.Telegram.Enabled || !a.cfg.Telegram.OperatorEnabled {
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
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("operator poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
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

func (a *App) handleOperatorUpdate(ctx context.Context, upd notify.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil || upd.Message.Chat == nil || upd.Message.From == nil {
		return
	}
	msg := upd.Message
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
	resp := a.handleOperatorCommand(cmd)
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", false
	}
	return strings.ToLower(strings.TrimPrefix(fields[0], "/")), true
}

func (a *App) handleOperatorCommand(cmd string) string {
	switch cmd {
	case "status":
		return a.operatorStatus()
	case "pause":
		if a.engine.Paused() {
			return "trading already paused"
		}
		a.engine.Pause()
		a.log.Info("trading paused by operator")
		return "trading paused"
	case "resume":
		if !a.engine.Paused() {
			return "trading already active"
		}
		a.engine.Resume()
		a.log.Info("trading resumed by operator")
		return "trading resumed"
	default:
		return "commands: /status /pause /resume"
	}
}

func (a *App) operatorStatus() string {
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s", a.engine.State())
	if a.engine.Paused() {
		b.WriteString(" (paused)")
	}
	fmt.Fprintf(&b, "\ncash: %s", a.ledger.Cash())
	positions := a.ledger.Positions()
	fmt.Fprintf(&b, "\npositions: %d", len(positions))
	for _, p := range positions {
		fmt.Fprintf(&b, "\n  %s %s %s @ %s (pnl %s)",
			p.Side, p.Quantity, p.TokenID, p.AvgEntryPrice, p.UnrealizedPnL())
	}
	return b.String()
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return offset
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if err := a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		a.log.Warn("operator offset save failed", zap.Error(err))
	}
}
