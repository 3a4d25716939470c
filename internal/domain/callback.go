package domain

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidCallbackID — callback id не удалось разобрать.
var ErrInvalidCallbackID = errors.New("invalid callback id")

// CallbackID — непрозрачный идентификатор, который воркер возвращает вместе с результатом.
//
// Содержит run, ключ узла и номер попытки; кодируется base64url без паддинга,
// чтобы его можно было положить в URL.
type CallbackID string

// NewCallbackID кодирует run, ключ узла и попытку, для которой отправлена задача.
func NewCallbackID(runID uuid.UUID, key string, attempt int) CallbackID {
	raw := runID.String() + "/" + key + "/" + strconv.Itoa(attempt)
	return CallbackID(base64.RawURLEncoding.EncodeToString([]byte(raw)))
}

// Decode возвращает run, ключ узла и попытку.
func (c CallbackID) Decode() (runID uuid.UUID, key string, attempt int, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return uuid.Nil, "", 0, ErrInvalidCallbackID
	}
	runPart, rest, ok := strings.Cut(string(raw), "/")
	if !ok {
		return uuid.Nil, "", 0, ErrInvalidCallbackID
	}
	pos := strings.LastIndexByte(rest, '/')
	if pos <= 0 {
		return uuid.Nil, "", 0, ErrInvalidCallbackID
	}
	attempt, err = strconv.Atoi(rest[pos+1:])
	if err != nil || attempt < 1 {
		return uuid.Nil, "", 0, ErrInvalidCallbackID
	}
	runID, err = uuid.Parse(runPart)
	if err != nil {
		return uuid.Nil, "", 0, ErrInvalidCallbackID
	}
	return runID, rest[:pos], attempt, nil
}

// String возвращает строковое представление.
func (c CallbackID) String() string {
	return string(c)
}

// CallbackResult — результат выполнения узла, присланный внешним воркером
// или действием пользователя.
type CallbackResult struct {
	// RunID — run, к которому относится результат.
	RunID uuid.UUID `json:"run_id"`

	// NodeKey — ключ узла или экземпляра ("enrich" или "enrich_3").
	NodeKey string `json:"node_id"`

	// Status — completed, failed или waiting_for_user; running — запись прогресса.
	Status Status `json:"status"`

	// Output — результат (для completed и progress).
	Output any `json:"output,omitempty"`

	// Error — текст ошибки (для failed).
	Error string `json:"error,omitempty"`

	// Attempt — попытка, которой принадлежит результат; 0 — неизвестна.
	// Результат прошлой попытки после RetryNode игнорируется.
	Attempt int `json:"attempt,omitempty"`
}
