// Package device holds the vocabulary shared by every layer of the central: the peripheral
// data model, the error taxonomy, and the boundary contract toward the radio driver.
//
// Errors reported to callers always belong to one of four kinds:
//   - RadioResponseError: the driver completed an operation with a non-success status
//   - InvalidStateError: the operation is not valid in the current state (closed code set)
//   - InvalidArgumentError: a caller-supplied value failed validation
//   - UnexpectedError: anything else
//
// The Driver interface is submission-only. Outcomes arrive asynchronously through
// DriverEvents and are correlated with their callers by the central package.
package device
