package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mainloop-ai/mainloop/runtime/api"
)

// jobResultSchema validates executor-job callbacks before they become
// workflow signals. Jobs are sandboxed user-adjacent code; a malformed
// payload must be rejected at the boundary, not inside a workflow.
const jobResultSchema = `{
	"type": "object",
	"required": ["status"],
	"properties": {
		"task_id": {"type": "string"},
		"status": {"enum": ["completed", "failed"]},
		"result": {"type": "object"},
		"error": {"type": "string"}
	},
	"additionalProperties": false
}`

var jobResultValidator = mustCompileSchema("job_result.json", jobResultSchema)

func mustCompileSchema(name, text string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(err)
	}
	return schema
}

// jobCallback receives the single result POST an executor job makes and
// relays it to the task's workflow. The task ID comes from the path; a
// task_id in the body must agree.
func (s *Server) jobCallback(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.respondErr(w, r, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		s.respondErr(w, r, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := jobResultValidator.Validate(instance); err != nil {
		s.respondErr(w, r, http.StatusUnprocessableEntity, "invalid job result: "+err.Error())
		return
	}

	var result api.JobResult
	if err := json.Unmarshal(body, &result); err != nil {
		s.respondErr(w, r, http.StatusBadRequest, "decode job result: "+err.Error())
		return
	}
	if result.TaskID != "" && result.TaskID != taskID {
		s.respondErr(w, r, http.StatusUnprocessableEntity, "body task_id does not match path")
		return
	}
	result.TaskID = taskID

	if err := s.orch.SendJobResult(r.Context(), result); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info(r.Context(), "job result delivered", "task_id", taskID, "status", string(result.Status))
	s.respond(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
