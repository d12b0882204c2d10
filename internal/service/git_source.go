package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/haatos/vc4-buildbot/internal/util"
)

// Source keeps a component's source tree in sync with its upstream.
type Source interface {
	Sync(ctx context.Context, repoURL, dir, branch string) error
	Info(dir string) (Provenance, error)
}

type GitSource struct {
	progress io.Writer
}

func NewGitSource(progress io.Writer) *GitSource {
	return &GitSource{progress: progress}
}

// Sync clones repoURL into dir unless dir already exists. An existing tree is
// updated: without a branch it is pulled, with a branch origin is pointed at
// repoURL, fetched and the branch is force checked out at origin/<branch>.
// Pull and fetch failures are logged and ignored.
func (gs *GitSource) Sync(ctx context.Context, repoURL, dir, branch string) error {
	exists, err := util.PathExists(dir)
	if err != nil {
		return err
	}

	if !exists {
		if _, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:      repoURL,
			Progress: gs.progress,
		}); err != nil {
			return fmt.Errorf("err cloning %s: %w", repoURL, err)
		}
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("err opening source tree %s: %w", dir, err)
	}

	if branch == "" {
		if exists {
			gs.pull(ctx, repo)
		}
		return nil
	}

	if err := setOriginURL(repo, repoURL); err != nil {
		return fmt.Errorf("err setting origin of %s: %w", dir, err)
	}
	if exists {
		if err := repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: git.DefaultRemoteName,
			Progress:   gs.progress,
		}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			log.Printf("err fetching %s (ignored): %v\n", repoURL, err)
		}
	}
	return forceCheckout(repo, branch)
}

func (gs *GitSource) pull(ctx context.Context, repo *git.Repository) {
	wt, err := repo.Worktree()
	if err != nil {
		log.Println("err opening worktree (ignored):", err)
		return
	}
	if err := wt.PullContext(ctx, &git.PullOptions{
		RemoteName: git.DefaultRemoteName,
		Progress:   gs.progress,
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		log.Println("err pulling (ignored):", err)
	}
}

func setOriginURL(repo *git.Repository, repoURL string) error {
	cfg, err := repo.Config()
	if err != nil {
		return err
	}
	if remote, ok := cfg.Remotes[git.DefaultRemoteName]; ok {
		if len(remote.URLs) == 1 && remote.URLs[0] == repoURL {
			return nil
		}
		remote.URLs = []string{repoURL}
	} else {
		cfg.Remotes[git.DefaultRemoteName] = &config.RemoteConfig{
			Name:  git.DefaultRemoteName,
			URLs:  []string{repoURL},
			Fetch: []config.RefSpec{config.RefSpec(fmt.Sprintf(config.DefaultFetchRefSpec, git.DefaultRemoteName))},
		}
	}
	return repo.SetConfig(cfg)
}

// forceCheckout is git checkout -f -B branch origin/branch.
func forceCheckout(repo *git.Repository, branch string) error {
	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName(git.DefaultRemoteName, branch), true)
	if err != nil {
		return fmt.Errorf("err resolving %s/%s: %w", git.DefaultRemoteName, branch, err)
	}

	local := plumbing.NewBranchReferenceName(branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(local, remoteRef.Hash())); err != nil {
		return fmt.Errorf("err resetting branch %s: %w", branch, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: local, Force: true}); err != nil {
		return fmt.Errorf("err checking out %s: %w", branch, err)
	}
	return nil
}

func (gs *GitSource) Info(dir string) (Provenance, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return Provenance{}, fmt.Errorf("err opening source tree %s: %w", dir, err)
	}
	head, err := repo.Head()
	if err != nil {
		return Provenance{}, fmt.Errorf("err resolving HEAD of %s: %w", dir, err)
	}

	p := Provenance{Commit: head.Hash().String(), Branch: "HEAD"}
	if head.Name().IsBranch() {
		p.Branch = head.Name().Short()
	}
	if remote, err := repo.Remote(git.DefaultRemoteName); err == nil && len(remote.Config().URLs) > 0 {
		p.URL = remote.Config().URLs[0]
	}
	return p, nil
}
