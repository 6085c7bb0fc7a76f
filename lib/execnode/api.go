// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package execnode

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"git.arvados.org/execnode.git/lib/execnode/controller"
	"git.arvados.org/execnode.git/lib/execnode/job"
	"git.arvados.org/execnode.git/sdk/go/auth"
	"git.arvados.org/execnode.git/sdk/go/httpserver"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/julienschmidt/httprouter"
)

const maxRequestSize = 16 << 20

func (n *node) newRouter() http.Handler {
	mux := httprouter.New()
	mux.GET("/jobs", n.apiJobs)
	mux.GET("/jobs/:id", n.jobGetter(func(j *job.Job) (interface{}, error) {
		return j.Status(), nil
	}, func(rj controller.RemovedJob) (interface{}, bool) {
		return rj.Status, true
	}))
	mux.GET("/jobs/:id/spec", n.jobGetter(func(j *job.Job) (interface{}, error) {
		return j.Spec(), nil
	}, nil))
	mux.GET("/jobs/:id/input_context", n.jobGetter(func(j *job.Job) (interface{}, error) {
		ic, err := j.DumpInputContext()
		if err != nil {
			return nil, httpserver.ErrorWithStatus(err, http.StatusConflict)
		}
		return map[string]interface{}{"items": ic}, nil
	}, func(rj controller.RemovedJob) (interface{}, bool) {
		return map[string]interface{}{"items": rj.InputContext}, rj.InputContext != nil
	}))
	mux.GET("/jobs/:id/stderr", n.jobGetter(func(j *job.Job) (interface{}, error) {
		stderr, err := j.GetStderr()
		if err != nil {
			return nil, httpserver.ErrorWithStatus(err, http.StatusConflict)
		}
		return map[string]string{"stderr": stderr}, nil
	}, func(rj controller.RemovedJob) (interface{}, bool) {
		return map[string]string{"stderr": rj.Stderr}, true
	}))
	mux.GET("/jobs/:id/fail_context", n.jobGetter(func(j *job.Job) (interface{}, error) {
		fc, ok := j.GetFailContext()
		if !ok {
			return nil, httpserver.Errorf(http.StatusNotFound, "job %s has no fail context", j.ID())
		}
		return map[string]string{"fail_context": fc}, nil
	}, func(rj controller.RemovedJob) (interface{}, bool) {
		return map[string]string{"fail_context": rj.FailContext}, rj.HasFailContext
	}))
	mux.GET("/jobs/:id/statistics", n.jobGetter(func(j *job.Job) (interface{}, error) {
		return statistics(j.Status().Statistics), nil
	}, func(rj controller.RemovedJob) (interface{}, bool) {
		return statistics(rj.Status.Statistics), true
	}))

	mux.POST("/jobs/:id/prepared", n.jobAction(nil, func(j *job.Job, _ interface{}) error {
		return conflict(j.OnJobPrepared())
	}))
	mux.POST("/jobs/:id/result", n.jobAction(func() interface{} { return &nodeapi.JobResult{} }, func(j *job.Job, body interface{}) error {
		return conflict(j.SetResult(*body.(*nodeapi.JobResult)))
	}))
	mux.POST("/jobs/:id/progress", n.jobAction(func() interface{} { return &nodeapi.ProgressRequest{} }, func(j *job.Job, body interface{}) error {
		if err := j.SetProgress(body.(*nodeapi.ProgressRequest).Progress); err != nil {
			return httpserver.ErrorWithStatus(err, http.StatusBadRequest)
		}
		return nil
	}))
	mux.POST("/jobs/:id/statistics", n.jobAction(func() interface{} { return &map[string]interface{}{} }, func(j *job.Job, body interface{}) error {
		j.SetStatistics(*body.(*map[string]interface{}))
		return nil
	}))
	mux.POST("/jobs/:id/resource_usage", n.jobAction(func() interface{} { return &nodeapi.ResourceVector{} }, func(j *job.Job, body interface{}) error {
		j.UpdateResourceUsage(*body.(*nodeapi.ResourceVector))
		return nil
	}))
	mux.POST("/jobs/:id/signal", n.jobAction(func() interface{} { return &nodeapi.SignalRequest{} }, func(j *job.Job, body interface{}) error {
		return conflict(j.SignalJob(body.(*nodeapi.SignalRequest).Name))
	}))
	mux.POST("/jobs/:id/interrupt", n.jobAction(nil, func(j *job.Job, _ interface{}) error {
		return conflict(j.Interrupt())
	}))
	mux.POST("/jobs/:id/fail", n.jobAction(nil, func(j *job.Job, _ interface{}) error {
		return conflict(j.Fail())
	}))
	mux.POST("/jobs/:id/abort", n.jobAction(func() interface{} { return &nodeapi.Error{} }, func(j *job.Job, body interface{}) error {
		abortErr := body.(*nodeapi.Error)
		if abortErr.Code == nodeapi.ErrorGeneric && abortErr.Message == "" {
			abortErr = nodeapi.NewError(nodeapi.ErrorAbortByScheduler, "job aborted via control API")
		}
		j.Abort(abortErr)
		return nil
	}))
	mux.POST("/jobs/:id/shell", n.apiShell)
	return auth.RequireLiteralToken(n.Config.ManagementToken, mux)
}

func statistics(stats map[string]interface{}) map[string]interface{} {
	if stats == nil {
		return map[string]interface{}{}
	}
	return stats
}

// conflict reports ErrNotRunning as 409.
func conflict(err error) error {
	var enr job.ErrNotRunning
	if errors.As(err, &enr) {
		return httpserver.ErrorWithStatus(err, http.StatusConflict)
	}
	return err
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, controller.ErrNoSuchJob) {
		err = httpserver.ErrorWithStatus(err, http.StatusNotFound)
	}
	httpserver.WriteError(w, err)
}

func (n *node) apiJobs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var resp struct {
		Jobs        []string `json:"jobs"`
		RemovedJobs []string `json:"removed_jobs"`
	}
	if err := n.invoker.Call(func() {
		resp.Jobs, resp.RemovedJobs = n.controller.JobIDs()
	}); err != nil {
		writeError(w, err)
		return
	}
	if resp.Jobs == nil {
		resp.Jobs = []string{}
	}
	if resp.RemovedJobs == nil {
		resp.RemovedJobs = []string{}
	}
	writeJSON(w, resp)
}

// jobGetter returns a handler that responds with get(job). If the
// job has been removed, it responds with removed(job) instead, if
// removed is not nil and returns true.
func (n *node) jobGetter(get func(*job.Job) (interface{}, error), removed func(controller.RemovedJob) (interface{}, bool)) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		id := params.ByName("id")
		var resp interface{}
		var err error
		if cerr := n.invoker.Call(func() {
			j, jerr := n.controller.Job(id)
			if jerr == nil {
				resp, err = get(j)
				return
			}
			err = jerr
			if removed == nil {
				return
			}
			if rj, ok := n.controller.RemovedJob(id); ok {
				if v, ok := removed(rj); ok {
					resp, err = v, nil
				} else {
					err = httpserver.Errorf(http.StatusNotFound, "removed job %s has no such information", id)
				}
			}
		}); cerr != nil {
			err = cerr
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, resp)
	}
}

// jobAction returns a handler that decodes the request body (if
// newBody is not nil) and calls action on the control invoker.
func (n *node) jobAction(newBody func() interface{}, action func(*job.Job, interface{}) error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		var body interface{}
		if newBody != nil {
			body = newBody()
			// An empty body means the zero value.
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(body); err != nil && err != io.EOF {
				httpserver.Error(w, "error decoding request body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		err := n.controller.Do(params.ByName("id"), func(j *job.Job) error {
			return action(j, body)
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{})
	}
}

func (n *node) apiShell(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var shellParams nodeapi.ShellParameters
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&shellParams); err != nil {
		httpserver.Error(w, "error decoding request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	var j *job.Job
	err := n.controller.Do(params.ByName("id"), func(jj *job.Job) error {
		j = jj
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := j.PollJobShell(r.Context(), shellParams)
	if err != nil {
		writeError(w, conflict(err))
		return
	}
	writeJSON(w, res)
}
