package updates

import (
	"github.com/ushan0v/sora-bot/internal/adapters/botapi"
	"github.com/ushan0v/sora-bot/internal/domain/users"
)

func checkmark(selected bool) string {
	if selected {
		return "✅ "
	}
	return ""
}

// settingsKeyboard строит клавиатуру /settings с отметками текущих значений.
func settingsKeyboard(s users.Settings) *botapi.InlineKeyboardMarkup {
	row1 := []botapi.InlineKeyboardButton{
		{Text: checkmark(!s.Vertical) + "Горизонтальный", CallbackData: "set:orient:landscape"},
		{Text: checkmark(s.Vertical) + "Вертикальный", CallbackData: "set:orient:portrait"},
	}
	row2 := []botapi.InlineKeyboardButton{
		{Text: checkmark(s.DurationSec == 5) + "5 сек.", CallbackData: "set:dur:5"},
		{Text: checkmark(s.DurationSec == 10) + "10 сек.", CallbackData: "set:dur:10"},
		{Text: checkmark(s.DurationSec == 15) + "15 сек.", CallbackData: "set:dur:15"},
	}
	row3 := []botapi.InlineKeyboardButton{
		{Text: checkmark(s.Size == "small") + "720p", CallbackData: "set:size:small"},
		{Text: checkmark(s.Size != "small") + "1080p", CallbackData: "set:size:large"},
	}
	return &botapi.InlineKeyboardMarkup{
		InlineKeyboard: [][]botapi.InlineKeyboardButton{row1, row2, row3},
	}
}
