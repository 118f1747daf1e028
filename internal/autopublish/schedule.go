// Package autopublish は自動配信の実行調整とスケジュール管理を提供する。
package autopublish

import (
	"fmt"
	"slices"
	"time"

	"github.com/hitoshi/dealman/internal/model"
)

// ValidateConfig は自動配信設定を検証する。
// 不正な設定には設定エラー（APIError）を返し、状態は変更されない。
// レガシー形状の救済はせず、範囲外の値はすべて拒否する。
func ValidateConfig(cfg *model.AutoPublishConfig, availableChannels []string) error {
	if err := validateFilters(cfg.Filters); err != nil {
		return err
	}
	if err := validateSchedule(cfg.Schedule); err != nil {
		return err
	}
	return validateChannels(cfg.Channels, availableChannels)
}

func validateFilters(f model.PublishFilters) error {
	if f.DaysThreshold < 0 {
		return model.NewInvalidFiltersError(fmt.Sprintf("days_thresholdが負の値です: %d", f.DaysThreshold))
	}
	if f.NotRecentlyPublished && f.DaysThreshold < 1 {
		return model.NewInvalidFiltersError(
			fmt.Sprintf("not_recently_publishedにはdays_thresholdに1以上を指定してください: %d", f.DaysThreshold))
	}
	if f.PriceChangeWindowHours < 0 {
		return model.NewInvalidFiltersError(fmt.Sprintf("price_change_window_hoursが負の値です: %d", f.PriceChangeWindowHours))
	}
	if f.PriceChangeStrict && !f.RequirePriceChange {
		return model.NewInvalidFiltersError("price_change_strictはrequire_price_changeが有効な場合のみ指定できます")
	}
	return nil
}

func validateSchedule(s model.Schedule) error {
	switch s.Type {
	case model.ScheduleTypeFrequency:
		if s.IntervalMinutes < model.MinIntervalMinutes {
			return model.NewInvalidScheduleError(
				fmt.Sprintf("間隔は%d分以上を指定してください: %d", model.MinIntervalMinutes, s.IntervalMinutes))
		}
	case model.ScheduleTypeFixedTimes:
		if len(s.Times) == 0 {
			return model.NewInvalidScheduleError("固定時刻が1つも指定されていません")
		}
		for _, t := range s.Times {
			if _, err := time.Parse("15:04", t); err != nil {
				return model.NewInvalidScheduleError(fmt.Sprintf("時刻はHH:MM形式で指定してください: %q", t))
			}
		}
	default:
		return model.NewInvalidScheduleError(fmt.Sprintf("未知のスケジュール種別です: %q", s.Type))
	}
	return nil
}

func validateChannels(channels, available []string) error {
	if len(channels) == 0 {
		return model.NewInvalidChannelsError("チャネルが1つも指定されていません")
	}
	for _, ch := range channels {
		if !slices.Contains(available, ch) {
			return model.NewInvalidChannelsError(fmt.Sprintf("未登録のチャネルです: %q", ch))
		}
	}
	return nil
}

// NextRun は次回実行時刻を計算する。
//
// frequencyモードではnow + intervalを返す。fixed_timesモードでは設定時刻の
// うちnowより後の最も近い時刻を返し、本日分がすべて過ぎている場合は
// 翌日の最初の時刻に繰り越す。
func NextRun(s model.Schedule, now time.Time) (time.Time, error) {
	switch s.Type {
	case model.ScheduleTypeFrequency:
		return now.Add(time.Duration(s.IntervalMinutes) * time.Minute), nil

	case model.ScheduleTypeFixedTimes:
		var next time.Time
		for _, ts := range s.Times {
			parsed, err := time.Parse("15:04", ts)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid time %q: %w", ts, err)
			}
			candidate := time.Date(now.Year(), now.Month(), now.Day(),
				parsed.Hour(), parsed.Minute(), 0, 0, now.Location())
			if !candidate.After(now) {
				candidate = candidate.Add(24 * time.Hour)
			}
			if next.IsZero() || candidate.Before(next) {
				next = candidate
			}
		}
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("no times configured")
		}
		return next, nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", s.Type)
	}
}
