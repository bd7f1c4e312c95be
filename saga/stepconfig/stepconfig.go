// Package stepconfig decodes and validates the type-specific execution
// config carried in Step.Config / CompensationConfig.Config (spec §6
// "Step config recognized fields"). It follows the teacher's own use of
// mitchellh/mapstructure to decode "Map<String,Object>"-shaped data into
// typed structs, then validates them with go-playground/validator/v10 —
// both ride along in potter's go.mod already (as indirect deps) and are
// promoted to direct, exercised use here.
package stepconfig

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/sagaflow/orchestrator/saga"
)

var validate = validator.New()

// HTTPCallConfig is the recognized field set for StepTypeHTTPCall.
type HTTPCallConfig struct {
	URL                 string            `mapstructure:"url" validate:"required,url"`
	Method              string            `mapstructure:"http_method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	Headers             map[string]string `mapstructure:"headers"`
	RequestBodyTemplate string            `mapstructure:"request_body_template"`
	ExpectedStatusCodes []int             `mapstructure:"expected_status_codes"`
	TimeoutMs           int64             `mapstructure:"timeout_ms"`
	MaxRetries          int               `mapstructure:"max_retries"`
	RetryDelayMs        int64             `mapstructure:"retry_delay_ms"`
}

// DatabaseOpConfig is the recognized field set for StepTypeDatabaseOp.
type DatabaseOpConfig struct {
	Query          string                 `mapstructure:"query" validate:"required"`
	QueryParameters map[string]interface{} `mapstructure:"query_parameters"`
	TimeoutMs      int64                  `mapstructure:"timeout_ms"`
	MaxRetries     int                    `mapstructure:"max_retries"`
}

// BusinessLogicConfig is the recognized field set for StepTypeBusinessLogic.
type BusinessLogicConfig struct {
	HandlerKey string                 `mapstructure:"class_name" validate:"required"`
	MethodName string                 `mapstructure:"method_name"`
	Properties map[string]interface{} `mapstructure:"properties"`
}

// WaitConfig is the recognized field set for StepTypeWait.
type WaitConfig struct {
	DelayMs int64 `mapstructure:"delay_ms" validate:"gte=0"`
}

// ConditionalConfig is the recognized field set for StepTypeConditional.
type ConditionalConfig struct {
	Condition string `mapstructure:"condition"`
}

// ParallelConfig is the recognized field set for StepTypeParallel.
type ParallelConfig struct {
	ParallelStepIDs []string `mapstructure:"parallel_step_ids"`
}

// SubSagaConfig is the recognized field set for StepTypeSubSaga.
type SubSagaConfig struct {
	SubSagaName string `mapstructure:"sub_saga_name" validate:"required"`
}

// Decode maps raw into out (a pointer to one of the *Config structs above)
// and validates it.
func Decode(raw saga.Data, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("stepconfig: build decoder: %w", err)
	}
	if err := dec.Decode(map[string]interface{}(raw)); err != nil {
		return fmt.Errorf("stepconfig: decode: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("stepconfig: validate: %w", err)
	}
	return nil
}

// DecodeHTTPCall is a typed convenience wrapper around Decode.
func DecodeHTTPCall(raw saga.Data) (*HTTPCallConfig, error) {
	cfg := &HTTPCallConfig{Method: "GET"}
	if err := Decode(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DecodeDatabaseOp is a typed convenience wrapper around Decode.
func DecodeDatabaseOp(raw saga.Data) (*DatabaseOpConfig, error) {
	cfg := &DatabaseOpConfig{}
	if err := Decode(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DecodeBusinessLogic is a typed convenience wrapper around Decode.
func DecodeBusinessLogic(raw saga.Data) (*BusinessLogicConfig, error) {
	cfg := &BusinessLogicConfig{}
	if err := Decode(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DecodeWait is a typed convenience wrapper around Decode.
func DecodeWait(raw saga.Data) (*WaitConfig, error) {
	cfg := &WaitConfig{}
	if err := Decode(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
