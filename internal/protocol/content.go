package protocol

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// DecodeContent decodes a content dict into a typed struct using mapstructure
// tags. Fields absent from content keep their current values, so callers set
// defaults before decoding.
func DecodeContent(content map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(content); err != nil {
		return fmt.Errorf("%w: content: %v", ErrMalformedMessage, err)
	}
	return nil
}

// ExecuteRequestContent is the execute_request payload.
type ExecuteRequestContent struct {
	Code            string         `mapstructure:"code"`
	Silent          bool           `mapstructure:"silent"`
	StoreHistory    bool           `mapstructure:"store_history"`
	UserExpressions map[string]any `mapstructure:"user_expressions"`
	AllowStdin      bool           `mapstructure:"allow_stdin"`
	StopOnError     bool           `mapstructure:"stop_on_error"`
}

// DecodeExecuteRequest applies protocol defaults (store_history, allow_stdin
// and stop_on_error on) before decoding.
func DecodeExecuteRequest(content map[string]any) (ExecuteRequestContent, error) {
	req := ExecuteRequestContent{StoreHistory: true, AllowStdin: true, StopOnError: true}
	if err := DecodeContent(content, &req); err != nil {
		return ExecuteRequestContent{}, err
	}
	if req.Silent {
		req.StoreHistory = false
	}
	return req, nil
}

type ExecuteReplyContent struct {
	Status          string           `mapstructure:"status"`
	ExecutionCount  int              `mapstructure:"execution_count"`
	UserExpressions map[string]any   `mapstructure:"user_expressions"`
	Payload         []map[string]any `mapstructure:"payload"`
	EName           string           `mapstructure:"ename"`
	EValue          string           `mapstructure:"evalue"`
	Traceback       []string         `mapstructure:"traceback"`
}

type CompleteRequestContent struct {
	Code      string `mapstructure:"code"`
	CursorPos int    `mapstructure:"cursor_pos"`
}

type InspectRequestContent struct {
	Code        string `mapstructure:"code"`
	CursorPos   int    `mapstructure:"cursor_pos"`
	DetailLevel int    `mapstructure:"detail_level"`
}

type HistoryRequestContent struct {
	Output         bool   `mapstructure:"output"`
	Raw            bool   `mapstructure:"raw"`
	HistAccessType string `mapstructure:"hist_access_type"`
	Session        int    `mapstructure:"session"`
	Start          int    `mapstructure:"start"`
	Stop           int    `mapstructure:"stop"`
	N              int    `mapstructure:"n"`
	Pattern        string `mapstructure:"pattern"`
	Unique         bool   `mapstructure:"unique"`
}

type IsCompleteRequestContent struct {
	Code string `mapstructure:"code"`
}

type ShutdownRequestContent struct {
	Restart bool `mapstructure:"restart"`
}

type InputRequestContent struct {
	Prompt   string `mapstructure:"prompt"`
	Password bool   `mapstructure:"password"`
}

type InputReplyContent struct {
	Value string `mapstructure:"value"`
}

// StreamContent is the iopub stream payload.
type StreamContent struct {
	Name string `mapstructure:"name"`
	Text string `mapstructure:"text"`
}
