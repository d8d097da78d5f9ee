package bdd

import (
	"testing"

	"github.com/cucumber/godog"

	"github.com/ai4all/worker/test/bdd/steps"
)

func TestTaskExecution(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			steps.InitializeTaskExecutionScenario(sc)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/task/task_execution.feature"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run task execution tests")
	}
}
