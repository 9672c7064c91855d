package provider

import "errors"

// Классифицированные ошибки адаптеров. Wire-формат провайдера наружу
// не выходит: каждый адаптер заворачивает свои ответы в один из этих
// сентинелов через %w, вызывающие проверяют errors.Is.
var (
	// ErrAuthExpired - токен доступа истек, менеджер токенов сделает
	// refresh и ровно один повтор вызова
	ErrAuthExpired = errors.New("provider: access token expired")

	// ErrRemoteNotFound - удаленная сущность удалена/не найдена,
	// оркестратор запускает восстановление связки
	ErrRemoteNotFound = errors.New("provider: remote entity not found")

	// ErrValidation - запрос отвергнут по содержимому, повтор бессмысленен
	ErrValidation = errors.New("provider: validation failed")
)
