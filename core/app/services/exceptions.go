package services

import (
	"fmt"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
)

func InvalidExperimentID(raw string) error {
	return fmt.Errorf("%w: experiment id must be a positive integer, got [%s]", exceptions.ErrMalformedInput, raw)
}

func InvalidListArg(name string, raw string) error {
	return fmt.Errorf("%w: [%s] must be a non-negative integer, got [%s]", exceptions.ErrMalformedInput, name, raw)
}
