package guardrail

import "strings"

// buildArtifactGlobs never reach the model or a commit: vendored and
// generated trees, binaries, media, archives, lock files and minified bundles.
var buildArtifactGlobs = []string{
	"**/node_modules/**",
	"**/dist/**",
	"**/build/**",
	"**/vendor/**",
	"**/.git/**",
	"**/target/**",
	"**/out/**",
	"**/coverage/**",
	"**/__pycache__/**",
	"**/.next/**",
	"**/.venv/**",

	"**/*.{png,jpg,jpeg,gif,bmp,ico,webp,tiff,psd}",
	"**/*.{zip,tar,gz,tgz,bz2,xz,7z,rar,jar,war}",
	"**/*.{exe,dll,so,dylib,o,a,obj,class,pyc,pyo,wasm,bin,dat}",
	"**/*.{woff,woff2,ttf,otf,eot}",
	"**/*.{mp3,mp4,mov,avi,wav,pdf}",

	"**/{package-lock.json,yarn.lock,pnpm-lock.yaml,go.sum,Cargo.lock,poetry.lock,Gemfile.lock,composer.lock}",
	"**/*.min.{js,css}",
	"**/*.map",
}

// heuristicGlobs are paths that usually hold source, tests or project
// configuration.
var heuristicGlobs = []string{
	"**/src/**",
	"**/lib/**",
	"**/app/**",
	"**/cmd/**",
	"**/internal/**",
	"**/pkg/**",
	"**/test/**",
	"**/tests/**",
	"**/spec/**",
	"**/__tests__/**",
	"**/{package.json,go.mod,Cargo.toml,pyproject.toml,setup.py,requirements.txt,Gemfile,pom.xml,build.gradle,tsconfig.json,Makefile,Dockerfile}",
	"**/README*",
}

// languageExtensions maps language-hint names to file extensions.
var languageExtensions = map[string][]string{
	"go":         {".go"},
	"typescript": {".ts", ".tsx", ".mts", ".cts"},
	"ts":         {".ts", ".tsx"},
	"javascript": {".js", ".jsx", ".mjs", ".cjs"},
	"js":         {".js", ".jsx", ".mjs", ".cjs"},
	"python":     {".py", ".pyi"},
	"rust":       {".rs"},
	"java":       {".java"},
	"kotlin":     {".kt", ".kts"},
	"ruby":       {".rb"},
	"csharp":     {".cs"},
	"c":          {".c", ".h"},
	"cpp":        {".cc", ".cpp", ".cxx", ".hpp", ".hh", ".h"},
	"php":        {".php"},
	"swift":      {".swift"},
	"scala":      {".scala"},
	"shell":      {".sh", ".bash"},
	"bash":       {".sh", ".bash"},
	"markdown":   {".md", ".mdx"},
	"yaml":       {".yaml", ".yml"},
	"json":       {".json"},
	"terraform":  {".tf", ".tfvars"},
	"sql":        {".sql"},
}

// hintGlobs expands one language hint into globs. A hint may be a language
// name ("typescript"), an extension (".ts") or a glob ("**/*.proto").
func hintGlobs(hint string) []string {
	h := strings.TrimSpace(hint)
	if h == "" {
		return nil
	}
	if strings.ContainsAny(h, "*?[{/") {
		return []string{h}
	}
	if strings.HasPrefix(h, ".") {
		return []string{"**/*" + h}
	}
	exts, ok := languageExtensions[strings.ToLower(h)]
	if !ok {
		return []string{"**/*." + h}
	}
	globs := make([]string, 0, len(exts))
	for _, ext := range exts {
		globs = append(globs, "**/*"+ext)
	}
	return globs
}
