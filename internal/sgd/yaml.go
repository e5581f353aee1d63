package sgd

import (
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// The enum settings accept their names in config files, matching the
// values accepted by the int forms.

func (m *LRAdjustMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		switch strings.ToLower(s) {
		case "none":
			*m = LRAdjustNone
		case "searchbeforeepoch":
			*m = LRSearchBeforeEpoch
		case "adjustafterepoch":
			*m = LRAdjustAfterEpoch
		default:
			return errors.Errorf("sgd: unknown learn-rate adjust mode %q", s)
		}
		return nil
	}
	var i int
	if err := value.Decode(&i); err != nil {
		return err
	}
	if i < int(LRAdjustNone) || i > int(LRAdjustAfterEpoch) {
		return errors.Errorf("sgd: learn-rate adjust mode %d out of range", i)
	}
	*m = LRAdjustMode(i)
	return nil
}

func (g *GradUpdateType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		switch strings.ToLower(s) {
		case "none", "sgd":
			*g = GradUpdateNone
		case "adagrad":
			*g = GradUpdateAdaGrad
		case "fsadagrad":
			*g = GradUpdateFSAdaGrad
		case "rmsprop":
			*g = GradUpdateRmsProp
		default:
			return errors.Errorf("sgd: unknown gradient update type %q", s)
		}
		return nil
	}
	var i int
	if err := value.Decode(&i); err != nil {
		return err
	}
	if i < int(GradUpdateNone) || i > int(GradUpdateRmsProp) {
		return errors.Errorf("sgd: gradient update type %d out of range", i)
	}
	*g = GradUpdateType(i)
	return nil
}

func (p *ParallelizationMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		switch strings.ToLower(s) {
		case "none":
			*p = ParallelNone
		case "dataparallelsgd":
			*p = ParallelDataParallelSGD
		case "modelaveragingsgd":
			*p = ParallelModelAveragingSGD
		default:
			return errors.Errorf("sgd: unknown parallelization mode %q", s)
		}
		return nil
	}
	var i int
	if err := value.Decode(&i); err != nil {
		return err
	}
	if i < int(ParallelNone) || i > int(ParallelModelAveragingSGD) {
		return errors.Errorf("sgd: parallelization mode %d out of range", i)
	}
	*p = ParallelizationMode(i)
	return nil
}
