package handlers

import (
	"errors"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/tbourn/go-moderated-chat/internal/domain"
)

var (
	registerOnce sync.Once
	registerErr  error
)

// RegisterValidators installs the custom binding tags used by request types
// on gin's validator. It is safe to call more than once.
//
//   - chatrole: the value is system, user or assistant.
func RegisterValidators() error {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			registerErr = errors.New("handlers: gin validator engine is not go-playground/validator")
			return
		}
		registerErr = v.RegisterValidation("chatrole", func(fl validator.FieldLevel) bool {
			return domain.ValidRole(fl.Field().String())
		})
	})
	return registerErr
}
