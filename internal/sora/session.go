package sora

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Orientation — ориентация кадра. При наличии стартового изображения сервер
// определяет ориентацию сам и поле в payload не передаётся.
type Orientation string

const (
	Portrait  Orientation = "portrait"
	Landscape Orientation = "landscape"
)

// Size — пресет качества рендера.
type Size string

const (
	SizeSmall Size = "small" // 720p
	SizeLarge Size = "large" // 1080p
)

// Stage — этап жизненного цикла до начала поллинга. Отдаётся в OnStage,
// чтобы очередь могла редактировать статусное сообщение в чате.
type Stage string

const (
	StageAuthorized Stage = "authorized"
	StageUploaded   Stage = "uploaded"
	StageQueued     Stage = "queued"
)

// Status — исход раунда опроса.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Phase уточняет StatusPending: задача ещё в очереди или уже рендерится.
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhaseRendering Phase = "rendering"
)

// SubmitRequest — параметры запуска генерации.
type SubmitRequest struct {
	Prompt      string
	Orientation Orientation
	// Image — опциональный стартовый кадр (JPEG). nil — генерация по тексту.
	Image  []byte
	Frames int
	Size   Size
	// OnStage — опциональный колбэк этапов до очереди. Вызывается синхронно.
	OnStage func(Stage)
}

// Result — снимок состояния генерации после одного раунда опроса.
type Result struct {
	Status        Status
	Phase         Phase
	Progress      float64
	QueuePosition int
	VideoURL      string
	DownloadURL   string
	FailCode      string
	FailMessage   string
	Width         int
	Height        int
}

// Terminal сообщает, что генерация завершена и дальнейший опрос не нужен.
func (r Result) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

// Session — принятая бэкендом генерация. Привязана к своему клиенту
// (браузерному контексту) и живёт до Close.
type Session struct {
	// ID — локальный идентификатор сессии для логов и отладки.
	ID uuid.UUID
	// TaskID — идентификатор задачи на стороне бэкенда. По нему сессия
	// возобновляется после рестарта процесса.
	TaskID string

	client *Client
	genID  string

	closeOnce sync.Once
}

// Submit авторизуется, загружает стартовое изображение (если есть) и ставит
// генерацию в очередь бэкенда. Возвращает сессию для дальнейшего опроса.
// Клиент не закрывается ни на одном исходе: при ошибке его закрывает
// вызывающий, при успехе teardown выполняет Close вернувшейся сессии.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*Session, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("prompt must not be empty")
	}
	if req.Frames <= 0 {
		return nil, errors.New("frames must be positive")
	}

	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}
	notify(req.OnStage, StageAuthorized)

	var uploadID string
	if len(req.Image) > 0 {
		id, err := c.uploadImage(ctx, req.Image)
		if err != nil {
			return nil, err
		}
		uploadID = id
		notify(req.OnStage, StageUploaded)
	}

	taskID, err := c.createGeneration(ctx, req, uploadID)
	if err != nil {
		return nil, err
	}
	notify(req.OnStage, StageQueued)

	return &Session{ID: uuid.New(), TaskID: taskID, client: c}, nil
}

// Resume восстанавливает сессию по task_id существующей генерации: используется
// после рестарта процесса, когда задача уже была принята бэкендом.
func (c *Client) Resume(ctx context.Context, taskID string) (*Session, error) {
	if taskID == "" {
		return nil, errors.New("task id must not be empty")
	}
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}
	return &Session{ID: uuid.New(), TaskID: taskID, client: c}, nil
}

func notify(fn func(Stage), s Stage) {
	if fn != nil {
		fn(s)
	}
}

// uploadImage отправляет стартовый кадр на /backend/uploads и возвращает id
// загрузки. 400 с намёком на проблему с лицами/контентом картинки мапится в
// CodeInvalidImage, чтобы пользователь получил осмысленный отказ.
func (c *Client) uploadImage(ctx context.Context, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "photo.jpg")
	if err != nil {
		return "", errors.Wrap(err, "create multipart part")
	}
	if _, err := part.Write(data); err != nil {
		return "", errors.Wrap(err, "write multipart part")
	}
	if err := mw.Close(); err != nil {
		return "", errors.Wrap(err, "finalize multipart body")
	}
	body := buf.Bytes()
	contentType := mw.FormDataContentType()

	resp, err := c.do(ctx, func() (*http.Request, error) {
		req, rErr := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/backend/uploads", bytes.NewReader(body))
		if rErr != nil {
			return nil, errors.Wrap(rErr, "build upload request")
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := parseAPIError(resp)
		code := apiErr.Code
		if code == "" {
			code = "upload_failed"
		}
		if resp.StatusCode == http.StatusBadRequest && looksLikeImageReject(apiErr.Message) {
			code = CodeInvalidImage
		}
		return "", &SubmissionError{HTTPStatus: resp.StatusCode, Code: code, Message: apiErr.Message}
	}

	var media struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&media); err != nil {
		return "", errors.Wrap(err, "decode upload response")
	}
	if media.ID == "" {
		return "", &SubmissionError{HTTPStatus: resp.StatusCode, Code: "upload_failed", Message: "upload response missing id"}
	}
	return media.ID, nil
}

func looksLikeImageReject(msg string) bool {
	lower := strings.ToLower(msg)
	for _, k := range []string{"face", "person", "people", "invalid image"} {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// createGeneration формирует payload /backend/nf/create. Поля с null
// обязательны: сервер отличает «не задано» от отсутствующего ключа.
func (c *Client) createGeneration(ctx context.Context, req SubmitRequest, uploadID string) (string, error) {
	size := req.Size
	if size == "" {
		size = SizeLarge
	}
	payload := map[string]any{
		"kind":               "video",
		"prompt":             req.Prompt,
		"title":              nil,
		"size":               string(size),
		"n_frames":           req.Frames,
		"inpaint_items":      []any{},
		"remix_target_id":    nil,
		"cameo_ids":          nil,
		"cameo_replacements": nil,
		"model":              "sy_8",
		"style_id":           nil,
		"audio_caption":      nil,
		"audio_transcript":   nil,
		"video_caption":      nil,
		"storyboard_id":      nil,
	}
	if uploadID != "" {
		payload["inpaint_items"] = []any{map[string]any{"kind": "upload", "upload_id": uploadID}}
	} else {
		orientation := req.Orientation
		if orientation == "" {
			orientation = Portrait
		}
		payload["orientation"] = string(orientation)
	}

	resp, err := c.postJSON(ctx, "/backend/nf/create", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", remapCreateError(resp)
	}

	var created struct {
		ID     string `json:"id"`
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", errors.Wrap(err, "decode create response")
	}
	taskID := created.ID
	if taskID == "" {
		taskID = created.TaskID
	}
	if taskID == "" {
		return "", &SubmissionError{HTTPStatus: resp.StatusCode, Code: "missing_task_id", Message: "create response has no task id"}
	}
	return taskID, nil
}

// remapCreateError переводит известные отказы бэкенда в машинные коды:
// лимит одновременных генераций и суточный лимит аккаунта опознаются по
// тексту сообщения, остальное уходит как есть.
func remapCreateError(resp *http.Response) error {
	apiErr := parseAPIError(resp)
	code := apiErr.Code
	msg := apiErr.Message

	switch {
	case strings.Contains(msg, "You already have 5 generations in progress"):
		code = CodeConcurrencyLimit
	case strings.Contains(msg, "You've already generated 100 videos in the last day"):
		code = CodeDailyLimit
	case isDailyLimitMessage(code, msg):
		code = CodeDailyLimit
	case code == "" && resp.StatusCode == http.StatusTooManyRequests:
		code = "rate_limit"
	case code == "":
		code = "create_failed"
	}
	return &SubmissionError{HTTPStatus: resp.StatusCode, Code: code, Message: msg}
}

// isDailyLimitMessage ловит переформулировки суточного лимита, которые сервер
// периодически меняет ("submitted 100 ... in the last 24 hours" и т.п.).
func isDailyLimitMessage(code, msg string) bool {
	if strings.Contains(strings.ToLower(code), CodeDailyLimit) {
		return true
	}
	lower := strings.ToLower(msg)
	if !strings.Contains(lower, "100") {
		return false
	}
	if !strings.Contains(lower, "submitted") && !strings.Contains(lower, "generated") {
		return false
	}
	return strings.Contains(lower, "24 hours") || strings.Contains(lower, "last day")
}

// pendingItem — элемент ответа /backend/nf/pending.
type pendingItem struct {
	ID            string   `json:"id"`
	Status        string   `json:"status"`
	ProgressPct   *float64 `json:"progress_pct"`
	QueuePosition int      `json:"progress_pos_in_queue"`
	FailureReason string   `json:"failure_reason"`
}

// draftItem — элемент ленты /backend/project_y/profile/drafts.
type draftItem struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"task_id"`
	Kind          string          `json:"kind"`
	URL           string          `json:"url"`
	Encodings     json.RawMessage `json:"encodings"`
	ErrorReason   string          `json:"error_reason"`
	FailureReason string          `json:"failure_reason"`
	Reason        string          `json:"reason"`
	ReasonStr     string          `json:"reason_str"`
	Message       string          `json:"message"`
	Width         int             `json:"width"`
	Height        int             `json:"height"`
}

// Poll выполняет один раунд опроса: сперва очередь pending (статус и прогресс),
// затем лента черновиков (готовность или ошибка рендера). Терминальный Result
// означает, что генерация закончилась; ошибка возврата — что раунд не удался
// и его можно повторить.
func (s *Session) Poll(ctx context.Context) (Result, error) {
	if item, ok, err := s.pollPending(ctx); err != nil {
		return Result{}, err
	} else if ok {
		if res, done := pendingToResult(item); done {
			return res, nil
		}
	}
	return s.pollDrafts(ctx)
}

// pollPending ищет задачу в очереди пендингов. Ошибки сети тут не фатальны
// для раунда в целом, но отдаются наверх: Wait решает, повторять ли.
func (s *Session) pollPending(ctx context.Context) (pendingItem, bool, error) {
	resp, err := s.client.getJSON(ctx, "/backend/nf/pending")
	if err != nil {
		return pendingItem{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return pendingItem{}, false, nil
	}
	var items []pendingItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return pendingItem{}, false, nil
	}
	for _, it := range items {
		if it.ID == s.TaskID {
			return it, true, nil
		}
	}
	return pendingItem{}, false, nil
}

// pendingToResult переводит элемент очереди в Result. Второе значение true,
// когда раунд можно завершать этим результатом (ошибка или живой прогресс);
// false — элемента недостаточно и нужно смотреть черновики.
func pendingToResult(item pendingItem) (Result, bool) {
	status := strings.ToLower(item.Status)
	if item.FailureReason != "" || status == "failed" || status == "error" || status == "canceled" {
		reason := item.FailureReason
		if reason == "" {
			reason = status
		}
		return Result{Status: StatusFailed, FailCode: reason, FailMessage: "generation failed: " + reason}, true
	}

	rendering := status != "queued" && status != "preprocessing"
	if item.ProgressPct != nil && *item.ProgressPct > 0 {
		rendering = true
	}
	res := Result{Status: StatusPending}
	if rendering {
		res.Phase = PhaseRendering
		if item.ProgressPct != nil {
			res.Progress = *item.ProgressPct
		}
	} else {
		res.Phase = PhaseQueued
		res.QueuePosition = item.QueuePosition
	}
	return res, true
}

// pollDrafts просматривает ленту черновиков. Черновик с url и encodings —
// готовое видео (точный downloadable_url добирается из v2-выдачи); черновик
// с kind=sora_error или причиной отказа без url — провал рендера.
func (s *Session) pollDrafts(ctx context.Context) (Result, error) {
	resp, err := s.client.getJSON(ctx, "/backend/project_y/profile/drafts?limit=15")
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Result{Status: StatusPending, Phase: PhaseQueued}, nil
	}

	var feed struct {
		Items []draftItem `json:"items"`
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{Status: StatusPending, Phase: PhaseQueued}, nil
	}
	// Лента приходит либо как {"items": [...]}, либо голым массивом.
	if json.Unmarshal(body, &feed) != nil || len(feed.Items) == 0 {
		var plain []draftItem
		if json.Unmarshal(body, &plain) == nil {
			feed.Items = plain
		}
	}

	var my *draftItem
	for i := range feed.Items {
		if feed.Items[i].TaskID == s.TaskID {
			my = &feed.Items[i]
			break
		}
	}
	if my == nil {
		return Result{Status: StatusPending, Phase: PhaseQueued}, nil
	}
	if s.genID == "" && my.ID != "" {
		s.genID = my.ID
	}

	ready := my.URL != "" && len(my.Encodings) > 0 && string(my.Encodings) != "null"
	failCode := firstNonEmpty(my.ErrorReason, my.FailureReason, my.Reason)
	failMsg := firstNonEmpty(my.ReasonStr, my.Message)
	if my.Kind == "sora_error" || ((failCode != "" || failMsg != "") && !ready) {
		if failCode == "" {
			failCode = "processing_error"
		}
		if failMsg == "" {
			failMsg = "generation failed: " + failCode
		}
		return Result{Status: StatusFailed, FailCode: failCode, FailMessage: failMsg}, nil
	}
	if !ready {
		return Result{Status: StatusPending, Phase: PhaseRendering}, nil
	}

	res := Result{
		Status:   StatusSucceeded,
		VideoURL: my.URL,
		Width:    my.Width,
		Height:   my.Height,
	}
	if s.genID != "" {
		if d, err := s.fetchDraftDetails(ctx, s.genID); err == nil {
			if d.URL != "" {
				res.VideoURL = d.URL
			}
			res.DownloadURL = d.DownloadableURL
			if d.Width > 0 {
				res.Width, res.Height = d.Width, d.Height
			}
		}
	}
	return res, nil
}

type draftDetails struct {
	URL             string `json:"url"`
	DownloadableURL string `json:"downloadable_url"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
}

// fetchDraftDetails добирает downloadable_url из v2-выдачи черновика.
func (s *Session) fetchDraftDetails(ctx context.Context, genID string) (draftDetails, error) {
	resp, err := s.client.getJSON(ctx, "/backend/project_y/profile/drafts/v2/"+genID)
	if err != nil {
		return draftDetails{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return draftDetails{}, errors.Errorf("draft details: status %d", resp.StatusCode)
	}
	var payload struct {
		Draft draftDetails `json:"draft"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return draftDetails{}, errors.Wrap(err, "decode draft details")
	}
	return payload.Draft, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Wait опрашивает генерацию до терминального результата, истечения таймаута
// или отмены ctx. onProgress вызывается на каждом изменении промежуточного
// состояния (одинаковые подряд снимки дедуплицируются). По таймауту
// возвращается терминальный Result с кодом timeout, а не ошибка: это штатный
// исход генерации, отличимый от обрыва ожидания.
func (s *Session) Wait(ctx context.Context, onProgress func(Result)) (Result, error) {
	timedOut := Result{
		Status:      StatusFailed,
		FailCode:    CodeTimeout,
		FailMessage: "generation timed out",
	}
	// Раунды опроса наследуют дедлайн через контекст: медленный HTTP-запрос
	// обрывается вместе с таймаутом, а не растягивает ожидание на целый раунд.
	waitCtx, cancel := context.WithDeadline(ctx, time.Now().Add(s.client.timeout))
	defer cancel()

	ticker := time.NewTicker(s.client.interval)
	defer ticker.Stop()

	var lastFingerprint string
	for {
		res, err := s.Poll(waitCtx)
		switch {
		case err != nil && (errors.Is(err, ErrAuthExpired) || ctx.Err() != nil):
			return Result{}, err
		case err != nil && waitCtx.Err() != nil:
			return timedOut, nil
		case err != nil:
			// Разовый сетевой сбой раунда не роняет ожидание.
		case res.Terminal():
			return res, nil
		default:
			if onProgress != nil {
				fp := fmt.Sprintf("%s|%s|%.0f|%d", res.Status, res.Phase, res.Progress*100, res.QueuePosition)
				if fp != lastFingerprint {
					lastFingerprint = fp
					onProgress(res)
				}
			}
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return timedOut, nil
		case <-ticker.C:
		}
	}
}

// Close разрывает сессию и её браузерный контекст. Идемпотентен: teardown
// выполняется ровно один раз независимо от числа вызовов и исхода генерации.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.client.Close()
	})
}
