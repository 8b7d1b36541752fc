package botapi

// Типы Telegram Bot API. Объявлен минимум полей, который реально читает бот:
// полные структуры API здесь не нужны, неизвестные поля JSON игнорируются.

// Update — элемент ответа getUpdates.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Message — входящее или отправленное сообщение.
type Message struct {
	MessageID    int         `json:"message_id"`
	From         *User       `json:"from,omitempty"`
	Chat         Chat        `json:"chat"`
	Text         string      `json:"text,omitempty"`
	Caption      string      `json:"caption,omitempty"`
	Photo        []PhotoSize `json:"photo,omitempty"`
	Document     *Document   `json:"document,omitempty"`
	MediaGroupID string      `json:"media_group_id,omitempty"`
}

// Document — приложенный файл (cookies.json при добавлении аккаунта).
type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// Chat — чат, в котором живёт сообщение.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// User — отправитель.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// PhotoSize — вариант фотографии. Telegram присылает варианты по возрастанию
// размера; для генерации берётся последний (самый крупный).
type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size,omitempty"`
}

// CallbackQuery — нажатие инлайн-кнопки.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

// File — ответ getFile; Path подставляется в URL скачивания.
type File struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

// InlineKeyboardMarkup — инлайн-клавиатура под сообщением.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// InlineKeyboardButton — кнопка с callback-данными.
type InlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
}

// BotCommand — пункт меню команд бота.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}
