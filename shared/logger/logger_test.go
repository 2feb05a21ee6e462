// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"strings"
	"testing"
	"time"
)

// TestNew tests logger initialization
func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		component      string
		instanceID     string
		expectedComp   string
		expectedInstID string
	}{
		{
			name:           "with instance ID set",
			component:      "test-component",
			instanceID:     "instance-123",
			expectedComp:   "test-component",
			expectedInstID: "instance-123",
		},
		{
			name:           "without instance ID",
			component:      "proxy",
			instanceID:     "",
			expectedComp:   "proxy",
			expectedInstID: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.instanceID != "" {
				if err := os.Setenv("INSTANCE_ID", tt.instanceID); err != nil {
					t.Fatalf("Failed to set INSTANCE_ID: %v", err)
				}
				defer func() {
					if err := os.Unsetenv("INSTANCE_ID"); err != nil {
						t.Errorf("Failed to unset INSTANCE_ID: %v", err)
					}
				}()
			} else {
				if err := os.Unsetenv("INSTANCE_ID"); err != nil {
					t.Fatalf("Failed to unset INSTANCE_ID: %v", err)
				}
			}

			logger := New(tt.component)

			if logger.Component != tt.expectedComp {
				t.Errorf("Expected component %s, got %s", tt.expectedComp, logger.Component)
			}

			if logger.InstanceID != tt.expectedInstID {
				t.Errorf("Expected instance ID %s, got %s", tt.expectedInstID, logger.InstanceID)
			}

			if logger.Container == "" {
				t.Error("Expected container to be set from hostname")
			}
		})
	}
}

// TestLogLevels tests all log level methods
func TestLogLevels(t *testing.T) {
	tests := []struct {
		name          string
		logFunc       func(*Logger, string, string, map[string]interface{})
		level         LogLevel
		message       string
		correlationID string
		fields        map[string]interface{}
	}{
		{
			name:          "Info log",
			logFunc:       (*Logger).Info,
			level:         INFO,
			message:       "Test info message",
			correlationID: "corr-456",
			fields:        map[string]interface{}{"key": "value"},
		},
		{
			name:          "Error log",
			logFunc:       (*Logger).Error,
			level:         ERROR,
			message:       "Test error message",
			correlationID: "corr-012",
			fields:        map[string]interface{}{"error_code": 500},
		},
		{
			name:          "Warn log",
			logFunc:       (*Logger).Warn,
			level:         WARN,
			message:       "Test warning message",
			correlationID: "corr-def",
			fields:        nil,
		},
		{
			name:          "Debug log",
			logFunc:       (*Logger).Debug,
			level:         DEBUG,
			message:       "Test debug message",
			correlationID: "corr-uvw",
			fields:        map[string]interface{}{"debug_info": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log.SetOutput(&buf)
			defer log.SetOutput(os.Stderr)

			logger := New("test-component")
			tt.logFunc(logger, tt.correlationID, tt.message, tt.fields)

			output := buf.String()

			var entry LogEntry
			// Extract JSON from log output (skip timestamp prefix)
			jsonStart := strings.Index(output, "{")
			if jsonStart == -1 {
				t.Fatal("No JSON found in log output")
			}
			jsonStr := strings.TrimSpace(output[jsonStart:])

			if err := json.Unmarshal([]byte(jsonStr), &entry); err != nil {
				t.Fatalf("Failed to parse JSON log: %v\nOutput: %s", err, output)
			}

			if entry.Level != tt.level {
				t.Errorf("Expected level %s, got %s", tt.level, entry.Level)
			}

			if entry.Message != tt.message {
				t.Errorf("Expected message '%s', got '%s'", tt.message, entry.Message)
			}

			if entry.CorrelationID != tt.correlationID {
				t.Errorf("Expected correlation ID '%s', got '%s'", tt.correlationID, entry.CorrelationID)
			}

			if entry.Component != "test-component" {
				t.Errorf("Expected component 'test-component', got '%s'", entry.Component)
			}

			if _, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err != nil {
				t.Errorf("Invalid timestamp format: %s", entry.Timestamp)
			}

			if tt.fields != nil {
				for key, expectedValue := range tt.fields {
					actualValue, ok := entry.Fields[key]
					if !ok {
						t.Errorf("Expected field '%s' not found", key)
						continue
					}
					// JSON unmarshals numbers as float64
					switch expected := expectedValue.(type) {
					case int:
						if actual, ok := actualValue.(float64); ok {
							if int(actual) != expected {
								t.Errorf("Field '%s': expected %v, got %v", key, expectedValue, actualValue)
							}
						} else if actualValue != expectedValue {
							t.Errorf("Field '%s': expected %v, got %v", key, expectedValue, actualValue)
						}
					default:
						if actualValue != expectedValue {
							t.Errorf("Field '%s': expected %v, got %v", key, expectedValue, actualValue)
						}
					}
				}
			}
		})
	}
}

// TestInfoWithDuration tests the InfoWithDuration helper method
func TestInfoWithDuration(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	logger := New("test-component")
	logger.InfoWithDuration("corr-456", "Request completed", 123.45, map[string]interface{}{
		"endpoint": "/proxy",
	})

	output := buf.String()
	jsonStart := strings.Index(output, "{")
	jsonStr := strings.TrimSpace(output[jsonStart:])

	var entry LogEntry
	if err := json.Unmarshal([]byte(jsonStr), &entry); err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}

	durationMS, ok := entry.Fields["duration_ms"]
	if !ok {
		t.Error("Expected duration_ms field not found")
	}

	if durationMS != 123.45 {
		t.Errorf("Expected duration_ms 123.45, got %v", durationMS)
	}

	endpoint, ok := entry.Fields["endpoint"]
	if !ok {
		t.Error("Expected endpoint field not found")
	}

	if endpoint != "/proxy" {
		t.Errorf("Expected endpoint '/proxy', got %v", endpoint)
	}

	if entry.Level != INFO {
		t.Errorf("Expected INFO level, got %s", entry.Level)
	}
}

// TestErrorWithCode tests the ErrorWithCode helper method
func TestErrorWithCode(t *testing.T) {
	tests := []struct {
		name           string
		statusCode     int
		err            error
		fields         map[string]interface{}
		expectError    bool
		expectedErrMsg string
	}{
		{
			name:           "with error",
			statusCode:     503,
			err:            &testError{msg: "circuit breaker open"},
			fields:         map[string]interface{}{"host": "api.openai.com"},
			expectError:    true,
			expectedErrMsg: "circuit breaker open",
		},
		{
			name:        "without error",
			statusCode:  404,
			err:         nil,
			fields:      nil,
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log.SetOutput(&buf)
			defer log.SetOutput(os.Stderr)

			logger := New("test-component")
			logger.ErrorWithCode("corr-456", "Request failed", tt.statusCode, tt.err, tt.fields)

			output := buf.String()
			jsonStart := strings.Index(output, "{")
			jsonStr := strings.TrimSpace(output[jsonStart:])

			var entry LogEntry
			if err := json.Unmarshal([]byte(jsonStr), &entry); err != nil {
				t.Fatalf("Failed to parse JSON: %v", err)
			}

			statusCode, ok := entry.Fields["status_code"]
			if !ok {
				t.Error("Expected status_code field not found")
			}

			statusCodeFloat, ok := statusCode.(float64)
			if !ok {
				t.Errorf("status_code is not a number: %v", statusCode)
			}

			if int(statusCodeFloat) != tt.statusCode {
				t.Errorf("Expected status_code %d, got %v", tt.statusCode, statusCode)
			}

			if tt.expectError {
				errMsg, ok := entry.Fields["error"]
				if !ok {
					t.Error("Expected error field not found")
				}

				if errMsg != tt.expectedErrMsg {
					t.Errorf("Expected error message '%s', got '%v'", tt.expectedErrMsg, errMsg)
				}
			}

			if entry.Level != ERROR {
				t.Errorf("Expected ERROR level, got %s", entry.Level)
			}
		})
	}
}

// TestWarnWithError tests the WarnWithError helper used for absorbed failures
func TestWarnWithError(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	logger := New("scanner")
	logger.WarnWithError("corr-789", "Scanner failed, contributing neutral result",
		&testError{msg: "regex engine exploded"}, map[string]interface{}{
			"scanner_id": "pii",
		})

	output := buf.String()
	jsonStart := strings.Index(output, "{")
	jsonStr := strings.TrimSpace(output[jsonStart:])

	var entry LogEntry
	if err := json.Unmarshal([]byte(jsonStr), &entry); err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}

	if entry.Level != WARN {
		t.Errorf("Expected WARN level, got %s", entry.Level)
	}

	if entry.Fields["error"] != "regex engine exploded" {
		t.Errorf("Expected error field, got %v", entry.Fields["error"])
	}

	if entry.Fields["scanner_id"] != "pii" {
		t.Errorf("Expected scanner_id field, got %v", entry.Fields["scanner_id"])
	}
}

// TestJSONMarshalError tests behavior when JSON marshaling fails
func TestJSONMarshalError(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	logger := New("test-component")

	// Channels cannot be marshaled to JSON
	ch := make(chan int)
	logger.Info("corr-456", "Test message", map[string]interface{}{
		"channel": ch,
	})

	output := buf.String()

	if !strings.Contains(output, "Failed to marshal log entry") {
		t.Error("Expected error message about JSON marshaling failure")
	}
}

// Helper type for testing errors
type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}

// BenchmarkLog benchmarks the logging performance
func BenchmarkLog(b *testing.B) {
	logger := New("benchmark-component")
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	fields := map[string]interface{}{
		"provider": "openai",
		"model":    "gpt-4",
		"duration": 45.67,
		"decision": "allow",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("corr-456", "Processing request", fields)
	}
}
