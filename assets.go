package assets

import "embed"

//go:embed migrations/*.sql
var MigrationsFS embed.FS

//go:embed steps/*.yml
var StepsFS embed.FS
