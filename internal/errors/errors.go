package errors

import (
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Stage 标记错误发生在批处理流水线的哪个阶段。
type Stage string

const (
	StagePreflight  Stage = "preflight"
	StageFetch      Stage = "fetch"
	StageVerify     Stage = "verify"
	StageClassify   Stage = "classify"
	StageAggregate  Stage = "aggregate"
	StageSubmitRoot Stage = "submit_root"
	StageFulfill    Stage = "price_and_fulfill"
	StageUpload     Stage = "upload"
	StageProve      Stage = "prove"
	StageMeasure    Stage = "measure"
)

const (
	metaStage      = "stage"
	metaRequestIDs = "request_ids"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:   "unknown error",
			Severity:  SeverityCritical,
			Retryable: false,
			Alert:     true,
		},
		CodeConfiguration: {
			Message:   "invalid configuration",
			Severity:  SeverityInfo,
			Retryable: false,
			Alert:     false,
		},
		CodeNotFound: {
			Message:   "order not found",
			Severity:  SeverityInfo,
			Retryable: false,
			Alert:     false,
		},
		CodeMalformed: {
			Message:   "malformed order",
			Severity:  SeverityWarning,
			Retryable: false,
			Alert:     false,
		},
		CodeInvalidSignature: {
			Message:   "invalid request signature",
			Severity:  SeverityCritical,
			Retryable: false,
			Alert:     true,
		},
		CodeChain: {
			Message:   "chain interaction failed",
			Severity:  SeverityCritical,
			Retryable: false,
			Alert:     true,
		},
		CodeAggregation: {
			Message:   "proof aggregation failed",
			Severity:  SeverityCritical,
			Retryable: false,
			Alert:     true,
		},
		CodeBackend: {
			Message:   "proving backend failure",
			Severity:  SeverityWarning,
			Retryable: false,
			Alert:     true,
		},
		CodeTelemetryUnavailable: {
			Message:   "telemetry unavailable",
			Severity:  SeverityInfo,
			Retryable: false,
			Alert:     false,
		},
		CodeTimeout: {
			Message:   "operation timed out",
			Severity:  SeverityWarning,
			Retryable: false,
			Alert:     true,
		},
		CodeQueueFailure: {
			Message:   "queue failure",
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
	}
)

const (
	CodeUnknown              Code = "UNKNOWN"
	CodeConfiguration        Code = "CONFIGURATION_INVALID"
	CodeNotFound             Code = "ORDER_NOT_FOUND"
	CodeMalformed            Code = "ORDER_MALFORMED"
	CodeInvalidSignature     Code = "SIGNATURE_INVALID"
	CodeChain                Code = "CHAIN_FAILURE"
	CodeAggregation          Code = "AGGREGATION_FAILURE"
	CodeBackend              Code = "BACKEND_FAILURE"
	CodeTelemetryUnavailable Code = "TELEMETRY_UNAVAILABLE"
	CodeTimeout              Code = "TIMEOUT"
	CodeQueueFailure         Code = "QUEUE_FAILURE"
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	alert    *bool
	severity *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithStage 记录失败阶段。
func WithStage(stage Stage) Option {
	return WithMetadata(metaStage, string(stage))
}

// WithRequestIDs 记录整批请求 ID，便于定位失败批次。
func WithRequestIDs(ids []string) Option {
	return WithMetadata(metaRequestIDs, strings.Join(ids, ","))
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Annotate 为已有错误补充阶段与批次信息。若 err 已是统一错误，则保留其错误码，
// 仅在缺失时补充阶段；否则以 fallback 错误码包裹。opts 在最后应用。
func Annotate(err error, fallback Code, stage Stage, ids []string, opts ...Option) error {
	if err == nil {
		return nil
	}
	if e, ok := From(err); ok {
		clone := *e
		clone.metadata = e.Metadata()
		if clone.metadata == nil {
			clone.metadata = make(map[string]string)
		}
		if _, exists := clone.metadata[metaStage]; !exists {
			clone.metadata[metaStage] = string(stage)
		}
		clone.metadata[metaRequestIDs] = strings.Join(ids, ",")
		for _, opt := range opts {
			opt(&clone)
		}
		return &clone
	}
	return Wrap(fallback, err, "", append([]Option{WithStage(stage), WithRequestIDs(ids)}, opts...)...)
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.code, e.message)
	if stage, ok := e.metadata[metaStage]; ok {
		fmt.Fprintf(&b, " (stage=%s", stage)
		if ids, ok := e.metadata[metaRequestIDs]; ok && ids != "" {
			fmt.Fprintf(&b, ", requests=%s", ids)
		}
		b.WriteString(")")
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Stage 返回失败阶段，未记录时为空。
func (e *Error) Stage() Stage {
	if e == nil {
		return ""
	}
	return Stage(e.metadata[metaStage])
}

// RequestIDs 返回失败批次的请求 ID。
func (e *Error) RequestIDs() []string {
	if e == nil || e.metadata[metaRequestIDs] == "" {
		return nil
	}
	return strings.Split(e.metadata[metaRequestIDs], ",")
}

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// MetadataKeys 返回排序后的元数据键，便于稳定输出。
func (e *Error) MetadataKeys() []string {
	keys := make([]string, 0, len(e.metadata))
	for k := range e.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// StageOf 返回错误对应的失败阶段。
func StageOf(err error) Stage {
	if e, ok := From(err); ok {
		return e.Stage()
	}
	return ""
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
