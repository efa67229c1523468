package aladdinconnect

import (
	"context"
	"strings"

	"garagecover/pkg/integration"

	"go.uber.org/zap"
)

// ConfigFlow creates an entry after one successful login.
type ConfigFlow struct {
	host      integration.Host
	newClient ClientFactory
	logger    *zap.Logger
}

// StepUser validates username/password. A nil input returns the empty form.
func (f *ConfigFlow) StepUser(ctx context.Context, input map[string]string) (integration.FlowResult, error) {
	if input == nil {
		return showForm(nil), nil
	}

	username := strings.TrimSpace(input[ConfUsername])
	password := input[ConfPassword]
	if username == "" || password == "" {
		return showForm(map[string]string{"base": ErrorInvalidAuth}), nil
	}

	uniqueID := strings.ToLower(username)
	if _, exists := f.host.ConfigEntries().FindByUniqueID(Domain, uniqueID); exists {
		return integration.FlowResult{Type: integration.FlowResultAbort, Reason: AbortAlreadyConfigured}, nil
	}

	client := f.newClient(username, password, f.logger)
	defer client.Close()

	ok, err := client.Login(ctx)
	if err != nil {
		f.logger.Warn("Cannot reach Aladdin Connect", zap.Error(err))
		return showForm(map[string]string{"base": ErrorCannotConnect}), nil
	}
	if !ok {
		return showForm(map[string]string{"base": ErrorInvalidAuth}), nil
	}

	return integration.FlowResult{
		Type:     integration.FlowResultCreateEntry,
		Title:    Name,
		UniqueID: uniqueID,
		Data: map[string]string{
			ConfUsername: username,
			ConfPassword: password,
		},
	}, nil
}

// StepImport runs the user step on imported YAML credentials.
func (f *ConfigFlow) StepImport(ctx context.Context, input map[string]string) (integration.FlowResult, error) {
	return f.StepUser(ctx, input)
}

func showForm(errors map[string]string) integration.FlowResult {
	return integration.FlowResult{
		Type:   integration.FlowResultForm,
		StepID: "user",
		Errors: errors,
	}
}
