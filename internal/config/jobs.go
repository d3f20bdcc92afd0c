package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/jobdist/pkg/types"
)

// JobSpec is one entry of a job list. NStruct > 1 expands it into that many
// jobs, suffixed _0001, _0002, ... on both id and output tag.
//
//	jobs:
//	  - id: design
//	    input: seq:MKTAYIAK
//	    protocol: relax
//	    max_trials: 3
//	    nstruct: 10
type JobSpec struct {
	ID        string `yaml:"id" json:"id" validate:"required"`
	Input     string `yaml:"input" json:"input"`
	Protocol  string `yaml:"protocol" json:"protocol" validate:"required"`
	OutputTag string `yaml:"output_tag" json:"output_tag"`
	MaxTrials int    `yaml:"max_trials" json:"max_trials" validate:"gte=0"`
	NStruct   int    `yaml:"nstruct" json:"nstruct" validate:"gte=0"`
}

type jobList struct {
	Jobs []JobSpec `yaml:"jobs"`
}

// LoadJobs reads a YAML or JSON job list. The document is either a list of
// entries or a mapping with a jobs key.
func LoadJobs(path string) ([]*types.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job list: %w", err)
	}
	return ParseJobs(data)
}

// ParseJobs decodes and expands a job list. Ids and output tags must be
// unique after expansion.
func ParseJobs(data []byte) ([]*types.Job, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, jobsErr(err)
	}

	var specs []JobSpec
	if len(root.Content) > 0 && root.Content[0].Kind == yaml.SequenceNode {
		if err := root.Content[0].Decode(&specs); err != nil {
			return nil, jobsErr(err)
		}
	} else {
		var list jobList
		if err := root.Decode(&list); err != nil {
			return nil, jobsErr(err)
		}
		specs = list.Jobs
	}
	if len(specs) == 0 {
		return nil, jobsErr(errors.New("job list is empty"))
	}

	v := validator.New()
	ids := make(map[types.JobID]bool)
	tags := make(map[string]bool)
	var jobs []*types.Job

	for i, spec := range specs {
		if err := v.Struct(spec); err != nil {
			return nil, jobsErr(fmt.Errorf("entry %d: %w", i, err))
		}
		for _, job := range spec.expand() {
			if ids[job.ID] {
				return nil, jobsErr(fmt.Errorf("duplicate job id %q", job.ID))
			}
			if tags[job.OutputTag] {
				return nil, jobsErr(fmt.Errorf("duplicate output tag %q", job.OutputTag))
			}
			ids[job.ID] = true
			tags[job.OutputTag] = true
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s JobSpec) expand() []*types.Job {
	tag := s.OutputTag
	if tag == "" {
		tag = s.ID
	}
	maxTrials := max(s.MaxTrials, 1)
	input := strings.TrimSpace(s.Input)

	if s.NStruct <= 1 {
		return []*types.Job{{
			ID: types.JobID(s.ID), Input: input, Protocol: s.Protocol,
			OutputTag: tag, MaxTrials: maxTrials,
		}}
	}

	jobs := make([]*types.Job, 0, s.NStruct)
	for n := 1; n <= s.NStruct; n++ {
		suffix := fmt.Sprintf("_%04d", n)
		jobs = append(jobs, &types.Job{
			ID: types.JobID(s.ID + suffix), Input: input, Protocol: s.Protocol,
			OutputTag: tag + suffix, MaxTrials: maxTrials,
		})
	}
	return jobs
}

func jobsErr(err error) error {
	return &types.ConfigError{Component: "jobs", Err: err}
}
