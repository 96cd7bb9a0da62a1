// ============================================================================
// licensekit Engine Interface
// ============================================================================
//
// Package: internal/engine
// File: engine.go
// Purpose: Defines the primitive surface of the external license engine.
//
// Motivation:
//   The engine owns cryptography, persistence and code generation. This
//   package models it as a handle-based interface so the typed object graph
//   (variables, licenses, requests, events) can run against any backend:
//
//   - memengine: in-process reference engine used for tests and local demos.
//   - bridge:    gRPC client talking to an engine served by another process.
//
// Contract:
//   Every primitive returns a value/handle or a failure indicator (zero
//   handle, false, empty string). On failure the engine records a
//   process-wide last error, read back with LastErrorCode/LastErrorMessage.
//
// ============================================================================

package engine

// Handle is an opaque engine-owned resource reference. Zero means failure.
type Handle uint64

// InvalidHandle is returned by every open/create primitive on failure.
const InvalidHandle Handle = 0

// MonitorFunc receives lifecycle events. The engine may call it from any
// goroutine, including synchronously from inside another primitive.
type MonitorFunc func(eventID int, source Handle, userData any)

// Engine is the primitive surface consumed by the typed core.
type Engine interface {
	// Init opens the license store for productID. Returns false on failure.
	Init(productID, licensePath, password string) bool
	// Cleanup releases the license store and every outstanding handle.
	Cleanup() bool
	// CloseHandle releases a single handle. Closing InvalidHandle is a no-op.
	CloseHandle(h Handle)

	LastErrorCode() int
	LastErrorMessage() string
	Version() string
	ProductID() string
	ProductName() string
	BuildID() int

	// Entity table.
	EntityCount() int
	OpenEntityByIndex(index int) Handle
	OpenEntityByID(id string) Handle
	EntityAttributes(entity Handle) uint32
	EntityID(entity Handle) string
	EntityName(entity Handle) string
	EntityDescription(entity Handle) string
	// BeginAccess and EndAccess bracket an access session. Sessions nest.
	BeginAccess(entity Handle) bool
	EndAccess(entity Handle) bool

	// Licenses.
	OpenLicense(entity Handle) Handle
	LicenseID(license Handle) string
	LicenseName(license Handle) string
	LicenseDescription(license Handle) string
	LicenseStatus(license Handle) int
	IsLicenseValid(license Handle) bool
	LockLicense(license Handle) bool
	LicenseParamCount(license Handle) int
	LicenseParamByIndex(license Handle, index int) Handle
	// ActionInfoCount and ActionInfoByIndex enumerate the actions a
	// license accepts.
	ActionInfoCount(license Handle) int
	ActionInfoByIndex(license Handle, index int) (actionID int, name string)

	// Variables. Bool travels as int32, Time and UInt32 as int64.
	Variable(name string) Handle
	VariableName(v Handle) string
	VariableType(v Handle) int
	VariableAttr(v Handle) uint32
	IsVariableValid(v Handle) bool
	GetInt32(v Handle) (int32, bool)
	SetInt32(v Handle, x int32) bool
	GetInt64(v Handle) (int64, bool)
	SetInt64(v Handle, x int64) bool
	GetFloat32(v Handle) (float32, bool)
	SetFloat32(v Handle, x float32) bool
	GetFloat64(v Handle) (float64, bool)
	SetFloat64(v Handle, x float64) bool
	GetString(v Handle) (string, bool)
	SetString(v Handle, x string) bool

	// Requests and actions. AddRequestAction binds to license, or to every
	// entity when license is InvalidHandle.
	CreateRequest() Handle
	AddRequestAction(request Handle, actionID int, license Handle) Handle
	RequestCode(request Handle) string
	ActionID(action Handle) int
	ActionName(action Handle) string
	ActionParamCount(action Handle) int
	ActionParamByIndex(action Handle, index int) Handle

	// Online and offline activation. Timeouts are passed through verbatim.
	IsServerAlive(timeoutMs int) bool
	IsSNValid(serial string, timeoutMs int) bool
	ApplySN(serial string, timeoutMs int) bool
	ApplyLicenseCode(code string) bool

	// CreateMonitor registers cb for every lifecycle event.
	CreateMonitor(cb MonitorFunc, userData any, name string) Handle
}
