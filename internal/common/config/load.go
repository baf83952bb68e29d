package config

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Load reads defaultPath, then every override file in order, then environment variables named envPrefix_<key>
// with dots in keys written as underscores, and decodes the result into config.
func Load(config interface{}, defaultPath string, overrides []string, envPrefix string) error {
	v := viper.New()
	v.SetConfigFile(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "reading %s", defaultPath)
	}
	for _, path := range overrides {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return errors.Wrapf(err, "reading %s", path)
		}
		log.Infof("Read config from %s", path)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, CustomHooks...); err != nil {
		return errors.Wrap(err, "decoding config")
	}
	return nil
}
